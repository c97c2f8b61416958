package zro

import (
	"fmt"
	"math"
	"strings"
)

type cmdCode uint8

// Controller commands. Each is sent as "_<code>[=value];" on <root>/commands.
const (
	cmdConnectShutter    cmdCode = 'X'
	cmdDisconnectShutter cmdCode = 'Z'
	cmdOpenShutter       cmdCode = 'O'
	cmdCloseShutter      cmdCode = 'C'

	cmdAbort cmdCode = 'A'
	cmdHome  cmdCode = 'H'
	cmdGoto  cmdCode = 'G'
	cmdPark  cmdCode = 'K'

	cmdStatus  cmdCode = 'S'
	cmdVersion cmdCode = 'V'
	cmdBattery cmdCode = 'B'
)

// Response is a parsed controller reply.
type Response struct {
	Code  cmdCode
	Value any
	Error bool
}

func formatCommand(code cmdCode, value string) string {
	if value == "" {
		return fmt.Sprintf("_%c;", code)
	}
	return fmt.Sprintf("_%c=%s;", code, value)
}

// Responses have the format:
// "_ACK_<command>;"
// "_ACK_<command>=<value>;"
// "_NACK_<command>;"
func parseResponse(msg string) (Response, error) {
	var resp Response

	fields := strings.Split(msg, "_")
	if len(fields) != 3 || fields[0] != "" {
		return resp, fmt.Errorf("bad number of fields: %s", msg)
	}
	if !strings.HasSuffix(fields[2], ";") {
		return resp, fmt.Errorf("invalid response suffix: %s", msg)
	}

	switch fields[1] {
	case "ACK":
	case "NACK":
		resp.Error = true
	default:
		return resp, fmt.Errorf("invalid response format: %s", msg)
	}

	parts := strings.Split(strings.TrimSuffix(fields[2], ";"), "=")
	if len(parts[0]) != 1 {
		return resp, fmt.Errorf("invalid command format: %s", msg)
	}
	resp.Code = cmdCode(parts[0][0])

	switch len(parts) {
	case 1:
	case 2:
		resp.Value = parts[1]
	default:
		return resp, fmt.Errorf("invalid response value: %s", msg)
	}
	return resp, nil
}

// normalizeAngle maps any angle in degrees to [0, 360).
func normalizeAngle(deg float64) float64 {
	a := math.Mod(deg, 360)
	if a < 0 {
		a += 360
	}
	return a
}
