// Package command turns a region selection into a velocity setpoint.
//
// Velocities use the body frame of the vehicle with NED signs: lateral is
// positive to the right and vertical is positive down, so a region above the
// frame centre produces a negative vertical velocity.
package command

import (
	"fmt"
	"math"

	"github.com/banshee-data/obstacle-avoidance/internal/config"
	"github.com/banshee-data/obstacle-avoidance/internal/occupancy"
)

// Direction names the cell of the 3x3 frame partition that produced a
// command, or Search when nothing was selected.
type Direction int

const (
	Hold Direction = iota // selected region sits on the frame centre
	Up
	Down
	Left
	Right
	UpLeft
	UpRight
	DownLeft
	DownRight
	Search
)

var directionNames = [...]string{
	Hold:      "hold",
	Up:        "up",
	Down:      "down",
	Left:      "left",
	Right:     "right",
	UpLeft:    "up-left",
	UpRight:   "up-right",
	DownLeft:  "down-left",
	DownRight: "down-right",
	Search:    "search",
}

func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return fmt.Sprintf("Direction(%d)", int(d))
	}
	return directionNames[d]
}

// Directions lists every direction in declaration order.
func Directions() []Direction {
	out := make([]Direction, 0, len(directionNames))
	for d := Hold; d <= Search; d++ {
		out = append(out, d)
	}
	return out
}

// MarshalText encodes the direction by name.
func (d Direction) MarshalText() ([]byte, error) {
	if d < 0 || int(d) >= len(directionNames) {
		return nil, fmt.Errorf("unknown direction %d", int(d))
	}
	return []byte(directionNames[d]), nil
}

// UnmarshalText parses a direction name.
func (d *Direction) UnmarshalText(b []byte) error {
	for i, name := range directionNames {
		if name == string(b) {
			*d = Direction(i)
			return nil
		}
	}
	return fmt.Errorf("unknown direction %q", b)
}

// YawMode is either hold heading or spin in place.
type YawMode int

const (
	YawHold YawMode = iota
	YawSpin
)

func (y YawMode) String() string {
	if y == YawSpin {
		return "spin"
	}
	return "hold"
}

// MarshalText encodes the yaw mode by name.
func (y YawMode) MarshalText() ([]byte, error) { return []byte(y.String()), nil }

// UnmarshalText parses "hold" or "spin".
func (y *YawMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "hold":
		*y = YawHold
	case "spin":
		*y = YawSpin
	default:
		return fmt.Errorf("unknown yaw mode %q", b)
	}
	return nil
}

// Command is one velocity setpoint.
type Command struct {
	Direction Direction `json:"direction"`
	Lateral   float64   `json:"lateral"`  // m/s, positive right
	Vertical  float64   `json:"vertical"` // m/s, positive down
	Yaw       YawMode   `json:"yaw"`
	YawRate   float64   `json:"yaw_rate,omitempty"` // rad/s, only with YawSpin
}

// HoldCommand is the zero-velocity setpoint that keeps the current heading.
var HoldCommand = Command{Direction: Hold, Yaw: YawHold}

func (c Command) String() string {
	if c.Yaw == YawSpin {
		return fmt.Sprintf("%s spin=%.3frad/s", c.Direction, c.YawRate)
	}
	return fmt.Sprintf("%s lat=%+.3f vert=%+.3f", c.Direction, c.Lateral, c.Vertical)
}

// Mapper converts selections into commands.
type Mapper struct {
	Speed    float64 // m/s toward the selected region
	SpinRate float64 // rad/s while searching
}

// MapperFromConfig builds a Mapper from the loaded configuration.
func MapperFromConfig(cfg *config.AvoidanceConfig) Mapper {
	return Mapper{Speed: cfg.GetSpeedMPS(), SpinRate: cfg.GetSpinRateRadPerS()}
}

// Map returns the command steering toward the selected region of layout l.
// With no selection it returns a search spin.
func (m Mapper) Map(sel occupancy.Selection, l *occupancy.Layout) Command {
	if !sel.Found {
		return Command{Direction: Search, Yaw: YawSpin, YawRate: m.SpinRate}
	}
	cx, cy := l.Columns[sel.Col], l.Rows[sel.Row]
	return m.toward(cx, cy, l.Width/2, l.Height/2)
}

// toward maps a target pixel (cx, cy) relative to the frame centre (cw, ch).
func (m Mapper) toward(cx, cy, cw, ch int) Command {
	dw := math.Abs(float64(cw - cx))
	dh := math.Abs(float64(ch - cy))

	theta := math.Pi / 2
	if dw != 0 {
		theta = math.Atan(dh / dw)
	}
	vy := m.Speed * math.Cos(theta)
	vz := m.Speed * math.Sin(theta)

	cmd := Command{Yaw: YawHold}
	switch {
	case cx < cw:
		cmd.Lateral = -vy
	case cx > cw:
		cmd.Lateral = vy
	}
	switch {
	case cy < ch:
		cmd.Vertical = -vz
	case cy > ch:
		cmd.Vertical = vz
	}
	cmd.Direction = direction(sign(cx-cw), sign(cy-ch))
	return cmd
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}

// direction indexes the 3x3 partition by horizontal and vertical sign.
func direction(h, v int) Direction {
	table := [3][3]Direction{
		{UpLeft, Up, UpRight},
		{Left, Hold, Right},
		{DownLeft, Down, DownRight},
	}
	return table[v+1][h+1]
}
