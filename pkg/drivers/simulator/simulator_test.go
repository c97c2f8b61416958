package simulator

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatory/pkg/config"
	"observatory/pkg/device"
)

func testLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptics() *Optics {
	return NewOptics(config.SimulatorConfig{
		BestFocus:     1000,
		StartPosition: 1010,
		MinFWHM:       2.1,
		Curvature:     0.001,
	})
}

func TestFocusCurve(t *testing.T) {
	o := testOptics()

	tests := []struct {
		position int
		want     float64
	}{
		{1000, 2.1},
		{1010, 2.2},
		{990, 2.2},
		{1100, 12.1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, o.FWHM(tt.position, 1000), 1e-9, "position %d", tt.position)
	}
}

func TestCameraFrameRoundTrip(t *testing.T) {
	o := testOptics()
	cam := NewCamera(o, testLogger())
	foc := NewFocuser(o, testLogger())
	dir := t.TempDir()

	require.NoError(t, foc.MoveTo(1020))
	light := filepath.Join(dir, "light.fits")
	require.NoError(t, cam.Expose(device.Expose{Duration: time.Second, SavePath: light, Frame: device.FrameLight}))

	fwhm, err := o.MeasureSharpness(light, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, fwhm, 1e-9)

	_, err = o.MeasureSharpness(light, 2.0)
	assert.Error(t, err, "saturation threshold below the value")

	dark := filepath.Join(dir, "dark.fits")
	require.NoError(t, cam.Expose(device.Expose{Duration: time.Second, SavePath: dark, Frame: device.FrameDark}))
	_, err = o.MeasureSharpness(dark, 0)
	assert.ErrorIs(t, err, ErrNoStars)
}

func TestBlindMeasurements(t *testing.T) {
	o := testOptics()
	cam := NewCamera(o, testLogger())
	path := filepath.Join(t.TempDir(), "frame.fits")
	require.NoError(t, cam.Expose(device.Expose{SavePath: path}))

	o.Blind(2)
	for i := 0; i < 2; i++ {
		_, err := o.MeasureSharpness(path, 0)
		assert.ErrorIs(t, err, ErrNoStars)
	}
	_, err := o.MeasureSharpness(path, 0)
	assert.NoError(t, err)
}

func TestDriftMovesBestFocus(t *testing.T) {
	o := NewOptics(config.SimulatorConfig{BestFocus: 1000, DriftPerImage: 0.5})
	cam := NewCamera(o, testLogger())
	dir := t.TempDir()

	for i := 0; i < 4; i++ {
		require.NoError(t, cam.Expose(device.Expose{SavePath: filepath.Join(dir, "f.fits")}))
	}
	assert.InDelta(t, 1002.0, o.BestFocus(), 1e-9)
}

func TestFocuserDirections(t *testing.T) {
	o := testOptics()
	f := NewFocuser(o, testLogger())

	require.NoError(t, f.Move(device.DirIn, 30))
	pos, err := f.Position()
	require.NoError(t, err)
	assert.Equal(t, 980, pos)

	require.NoError(t, f.Move(device.DirOut, 5))
	pos, _ = f.Position()
	assert.Equal(t, 985, pos)
}

func TestFaultInjection(t *testing.T) {
	f := NewFocuser(testOptics(), testLogger())
	f.FailNext(1)

	assert.ErrorIs(t, f.MoveTo(5), ErrInjected)
	assert.NoError(t, f.MoveTo(5))

	f.FailNext(3)
	require.NoError(t, f.Reconnect())
	assert.NoError(t, f.MoveTo(6))
}

func TestDome(t *testing.T) {
	d := NewDome(config.DomeConfig{ParkPosition: 90, HomePosition: 0, UseShutter: true}, testLogger())
	assert.True(t, d.Status().AtPark)

	require.NoError(t, d.FindHome())
	st := d.Status()
	assert.True(t, st.AtHome)
	assert.False(t, st.AtPark)
	assert.Equal(t, 0.0, st.Azimuth)

	require.NoError(t, d.SetShutter(true))
	assert.True(t, d.Status().ShutterOpen)

	assert.Error(t, d.SlewToAzimuth(360))
	require.NoError(t, d.Park())
	assert.True(t, d.Status().AtPark)
	assert.Equal(t, 90.0, d.Status().Azimuth)
}

func TestTelescopeRefusesSlewWhenParked(t *testing.T) {
	tel := NewTelescope(testLogger())
	assert.Error(t, tel.SlewTo(5, 20))

	require.NoError(t, tel.Unpark())
	require.NoError(t, tel.SlewTo(5, 20))
	assert.True(t, tel.Tracking())

	require.NoError(t, tel.Park())
	assert.False(t, tel.Tracking())
}
