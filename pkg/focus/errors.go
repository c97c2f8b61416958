package focus

import "errors"

var (
	// ErrMeasurementUndefined means the sharpness of an image could not be computed.
	ErrMeasurementUndefined = errors.New("fwhm could not be measured")

	// ErrRunawayGuard means the focuser wandered too far from its starting position.
	ErrRunawayGuard = errors.New("focuser moved beyond the maximum focus distance")

	// ErrFitRejected means the parabola has no usable interior minimum.
	ErrFitRejected = errors.New("parabolic fit rejected")

	ErrTooFewSamples  = errors.New("not enough focus samples to fit")
	ErrAlreadyRunning = errors.New("continuous focusing already running")
	ErrNoImages       = errors.New("no images found")

	errStopped = errors.New("continuous focusing stopped")
)
