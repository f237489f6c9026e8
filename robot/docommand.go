package robot

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	rdkutils "go.viam.com/rdk/utils"

	"swerve/characterize"
	"swerve/commands"
	"swerve/kinematics"
)

// DoCommand commands.
const (
	cmdJoystick             = "joystick"
	cmdSnapToRotation       = "snap_to_rotation"
	cmdKeepRotationForward  = "keep_rotation_forward"
	cmdStopInPlace          = "stop_in_place"
	cmdCharacterizeFF       = "characterize_feedforward"
	cmdCharacterizeRadius   = "characterize_wheel_radius"
	cmdCancel               = "cancel"
	cmdResetHeading         = "reset_heading"
	cmdSetPose              = "set_pose"
	cmdGetPose              = "get_pose"
	cmdGetTelemetry         = "get_telemetry"
	cmdToggleBrake          = "toggle_brake"
	cmdStaticDriveVoltage   = "static_drive_voltage"
	cmdStaticTurnVoltage    = "static_turn_voltage"
	cmdLastCharacterization = "last_characterization"
)

type snapRequest struct {
	Degrees float64 `json:"degrees"`
}

type enableRequest struct {
	Enabled bool `json:"enabled"`
}

type voltageRequest struct {
	Volts float64 `json:"volts"`
}

type feedforwardRequest struct {
	RampRate   float64 `json:"ramp_rate"`
	MaxVoltage float64 `json:"max_voltage"`
}

type wheelRadiusRequest struct {
	MaxVelocity float64 `json:"max_velocity"`
}

// decodeRequest fills out from the command map by json field name.
func decodeRequest(cmd map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(cmd)
}

// toMap converts v into the plain maps and slices a DoCommand result can carry.
func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func processed(name string) map[string]interface{} {
	return map[string]interface{}{"return": fmt.Sprintf("%s command processed", name)}
}

// DoCommand runs the driver station and calibration commands.
func (r *Robot) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	name, ok := raw.(string)
	if !ok {
		return nil, errors.Errorf("'command' must be a string, got %T", raw)
	}

	switch name {
	case cmdJoystick:
		var in commands.Input
		if err := decodeRequest(cmd, &in); err != nil {
			return nil, err
		}
		if !finite(in.X, in.Y, in.Omega) {
			return nil, errors.New("joystick axes must be finite")
		}
		err := r.do(ctx, func() {
			r.joystick = in
			r.joystickExpiry = r.clk.Now().Add(joystickTimeout)
			if r.motion != nil {
				r.scheduler.Cancel(r.motion)
				r.motion = nil
			}
		})
		if err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdSnapToRotation:
		var req snapRequest
		if err := decodeRequest(cmd, &req); err != nil {
			return nil, err
		}
		heading := kinematics.AngleModulus(rdkutils.DegToRad(req.Degrees))
		if err := r.schedule(ctx, commands.SnapToRotation(r.drive, heading, r.logger)); err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdKeepRotationForward:
		var req enableRequest
		if err := decodeRequest(cmd, &req); err != nil {
			return nil, err
		}
		err := r.do(ctx, func() {
			if r.keepForward != nil {
				r.scheduler.Cancel(r.keepForward)
				r.keepForward = nil
				r.drive.ClearRotationLock()
			}
			if req.Enabled {
				r.keepForward = commands.KeepRotationForward(r.drive, r.joystickInput, commands.DefaultJoystickConfig())
				r.scheduler.Schedule(r.keepForward)
			}
		})
		if err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdStopInPlace:
		if err := r.do(ctx, func() { r.startMotion(commands.StopInPlace(r.drive)) }); err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdCharacterizeFF:
		req := feedforwardRequest{RampRate: characterize.DefaultFeedforwardOptions().RampRate}
		if err := decodeRequest(cmd, &req); err != nil {
			return nil, err
		}
		if req.RampRate <= 0 {
			return nil, errors.New("ramp_rate must be positive")
		}
		opts := characterize.DefaultFeedforwardOptions()
		opts.RampRate = req.RampRate
		opts.MaxVoltage = req.MaxVoltage
		routine := characterize.Feedforward(r.drive, r.clk, opts, r.logger, r.reportFeedforward)
		if err := r.do(ctx, func() { r.startCalibration(routine) }); err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdCharacterizeRadius:
		opts := characterize.DefaultWheelRadiusOptions()
		req := wheelRadiusRequest{MaxVelocity: opts.MaxVelocity}
		if err := decodeRequest(cmd, &req); err != nil {
			return nil, err
		}
		if req.MaxVelocity <= 0 {
			return nil, errors.New("max_velocity must be positive")
		}
		opts.MaxVelocity = req.MaxVelocity
		routine := characterize.WheelRadius(r.drive, r.clk, opts, r.logger, r.reportWheelRadius)
		if err := r.do(ctx, func() { r.startCalibration(routine) }); err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdCancel:
		err := r.do(ctx, func() {
			r.scheduler.CancelAll()
			r.motion, r.keepForward, r.calibration = nil, nil, nil
			r.drive.ClearRotationLock()
		})
		if err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdResetHeading:
		if err := r.schedule(ctx, commands.ResetHeading(r.drive, r.logger)); err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdSetPose:
		var pose kinematics.Pose2D
		if err := decodeRequest(cmd, &pose); err != nil {
			return nil, err
		}
		if !finite(pose.X, pose.Y, pose.Heading) {
			return nil, errors.New("pose must be finite")
		}
		if err := r.SetPose(ctx, pose.WithHeading(pose.Heading)); err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdGetPose:
		return toMap(r.Pose())

	case cmdGetTelemetry:
		frame, ok := r.Telemetry()
		if !ok {
			return nil, errors.New("no telemetry published yet")
		}
		return toMap(frame)

	case cmdToggleBrake:
		if err := r.do(ctx, func() {
			enabled := r.drive.ToggleBrakeMode()
			r.logger.Infow("brake mode toggled", "enabled", enabled)
		}); err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdStaticDriveVoltage, cmdStaticTurnVoltage:
		var req voltageRequest
		if err := decodeRequest(cmd, &req); err != nil {
			return nil, err
		}
		if !finite(req.Volts) {
			return nil, errors.New("volts must be finite")
		}
		routine := commands.StaticDriveVoltage(r.drive, req.Volts)
		if name == cmdStaticTurnVoltage {
			routine = commands.StaticTurnVoltage(r.drive, req.Volts)
		}
		if err := r.do(ctx, func() { r.startCalibration(routine) }); err != nil {
			return nil, err
		}
		return processed(name), nil

	case cmdLastCharacterization:
		return r.lastCharacterization()

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// startCalibration replaces any running calibration or base motion. Joystick input does
// not interrupt a calibration. Called on the loop.
func (r *Robot) startCalibration(cmd commands.Command) {
	if r.calibration != nil {
		r.scheduler.Cancel(r.calibration)
	}
	if r.motion != nil {
		r.scheduler.Cancel(r.motion)
		r.motion = nil
	}
	r.drive.ClearRotationLock()
	r.calibration = cmd
	r.scheduler.Schedule(cmd)
}

func (r *Robot) reportFeedforward(result characterize.FeedforwardResult, err error) {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()
	if err != nil {
		r.feedforward, r.feedforwardErr = nil, err
		return
	}
	r.feedforward, r.feedforwardErr = &result, nil
}

func (r *Robot) reportWheelRadius(result characterize.WheelRadiusResult, err error) {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()
	if err != nil {
		r.wheelRadius, r.wheelRadiusErr = nil, err
		return
	}
	r.wheelRadius, r.wheelRadiusErr = &result, nil
}

func (r *Robot) lastCharacterization() (map[string]interface{}, error) {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()

	out := map[string]interface{}{}
	if r.feedforward != nil {
		m, err := toMap(r.feedforward)
		if err != nil {
			return nil, err
		}
		m["summary"] = r.feedforward.String()
		out["feedforward"] = m
	}
	if r.feedforwardErr != nil {
		out["feedforward_error"] = r.feedforwardErr.Error()
	}
	if r.wheelRadius != nil {
		m, err := toMap(r.wheelRadius)
		if err != nil {
			return nil, err
		}
		m["summary"] = r.wheelRadius.String()
		out["wheel_radius"] = m
	}
	if r.wheelRadiusErr != nil {
		out["wheel_radius_error"] = r.wheelRadiusErr.Error()
	}
	return out, nil
}
