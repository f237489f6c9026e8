// Package robot exposes the swerve drivetrain as a viam base component. It owns the control
// loop, the hardware or simulated devices behind it, and the telemetry outputs.
package robot

import (
	"context"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	viamutils "go.viam.com/utils"

	"swerve/canlink"
	"swerve/characterize"
	"swerve/commands"
	"swerve/corner"
	"swerve/drive"
	"swerve/gyro"
	"swerve/kinematics"
	"swerve/odometry"
	"swerve/sim"
	"swerve/telemetry"
)

// Model is the swerve base model.
var Model = resource.NewModel("swerve", "drivetrain", "swerve")

const (
	simPeriod       = 2 * time.Millisecond
	joystickTimeout = 500 * time.Millisecond
	requestBacklog  = 16
	mqttQuiesceMs   = 250
)

var errClosed = errors.New("swerve base is closed")

func init() {
	resource.RegisterComponent(
		base.API,
		Model,
		resource.Registration[base.Base, *Config]{Constructor: newBase})
}

// mqttClient is the part of mqtt.Client the base uses.
type mqttClient interface {
	telemetry.MQTTPublishClient
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// options replace devices the base would otherwise open itself.
type options struct {
	clk       clock.Clock
	bus       *canlink.Bus
	mqtt      mqttClient
	simParams *sim.Params
}

// Robot is the swerve base. Every change to the drivetrain happens on the control loop;
// callers hand it closures through requests and read the latest published frame.
type Robot struct {
	resource.Named
	resource.AlwaysRebuild

	cfg        *Config
	mode       string
	logger     logging.Logger
	clk        clock.Clock
	geometries []spatialmath.Geometry
	properties base.Properties

	drive     *drive.Drivetrain
	scheduler *commands.Scheduler
	sampler   *odometry.Sampler
	pump      *telemetry.Pump
	simulated *sim.Drivetrain
	bus       *canlink.Bus
	mqtt      mqttClient
	replay    *replaySource
	server    *http.Server

	requests chan func()
	closed   chan struct{}

	// Owned by the control loop.
	joystick       commands.Input
	joystickExpiry time.Time
	joystickDrive  commands.Command
	keepForward    commands.Command
	motion         commands.Command
	calibration    commands.Command

	latest   atomic.Pointer[telemetry.Frame]
	isMoving atomic.Bool

	resultsMu      sync.Mutex
	feedforward    *characterize.FeedforwardResult
	feedforwardErr error
	wheelRadius    *characterize.WheelRadiusResult
	wheelRadiusErr error

	closeOnce               sync.Once
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

func newBase(ctx context.Context, _ resource.Dependencies, conf resource.Config, logger logging.Logger) (base.Base, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	var geometries []spatialmath.Geometry
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	r, err := newRobot(conf.ResourceName(), cfg, geometries, options{clk: clock.New()}, logger)
	if err != nil {
		return nil, err
	}
	r.start()
	return r, nil
}

// newRobot builds the base without starting any goroutine.
func newRobot(name resource.Name, cfg *Config, geometries []spatialmath.Geometry, opts options,
	logger logging.Logger,
) (*Robot, error) {
	if _, err := cfg.Validate("attributes"); err != nil {
		return nil, err
	}
	dcfg := cfg.DriveConfig()
	if opts.clk == nil {
		opts.clk = clock.New()
	}

	r := &Robot{
		Named:      name.AsNamed(),
		cfg:        cfg,
		mode:       cfg.mode(),
		logger:     logger,
		clk:        opts.clk,
		geometries: geometries,
		properties: base.Properties{
			WidthMeters:              trackWidth(dcfg),
			WheelCircumferenceMeters: 2 * math.Pi * dcfg.WheelRadius,
		},
		scheduler: commands.NewScheduler(logger.Sublogger("commands")),
		requests:  make(chan func(), requestBacklog),
		closed:    make(chan struct{}),
	}

	kin, err := kinematics.NewSwerveKinematics(dcfg.ModuleOffsets...)
	if err != nil {
		return nil, err
	}
	r.sampler, err = odometry.New(r.clk, dcfg.OdometryFrequency, dcfg.QueueCapacity, logger.Sublogger("odometry"))
	if err != nil {
		return nil, err
	}

	in, err := r.openInputs(kin, opts)
	if err != nil {
		return nil, multierr.Combine(err, r.closeDevices(context.Background()))
	}
	r.drive, err = drive.New(dcfg, in, r.sampler, r.clk, logger.Sublogger("drive"))
	if err != nil {
		return nil, multierr.Combine(err, r.closeDevices(context.Background()))
	}

	publishers, err := r.openPublishers(opts)
	if err != nil {
		return nil, multierr.Combine(err, r.closeDevices(context.Background()))
	}
	r.pump = telemetry.NewPump(logger.Sublogger("telemetry"), publishers...)

	// Resuming manual driving starts the heading loop from a clean history.
	r.joystickDrive = commands.BeforeStarting(
		commands.JoystickDrive(r.drive, r.joystickInput, commands.DefaultJoystickConfig(), logger.Sublogger("joystick")),
		r.drive.ResetHeadingLoop)
	if err := r.scheduler.SetDefault(commands.DriveRequirement, r.joystickDrive); err != nil {
		return nil, multierr.Combine(err, r.closeDevices(context.Background()))
	}

	logger.Infow("swerve base ready", "mode", r.mode, "control_period", dcfg.ControlPeriod,
		"odometry_hz", dcfg.OdometryFrequency)
	return r, nil
}

// openInputs selects the module drivers and gyro for the run mode.
func (r *Robot) openInputs(kin *kinematics.SwerveKinematics, opts options) (drive.Inputs, error) {
	n := kin.NumModules()
	switch r.mode {
	case ModeSim:
		params := sim.DefaultParams()
		if opts.simParams != nil {
			params = *opts.simParams
		}
		r.simulated = sim.NewDrivetrain(kin, params, r.logger.Sublogger("sim"))
		var g gyro.Gyro = r.simulated.Gyro()
		if r.cfg.DisableGyro {
			g = gyro.Disabled{}
		}
		return drive.Inputs{Gyro: g, Modules: r.simulated.Drivers()}, nil

	case ModeReal:
		r.bus = opts.bus
		if r.bus == nil {
			ids := append(corner.StatusIDs(n), gyro.TelemetryID)
			bus, err := canlink.Open(r.cfg.canChannel(), ids, canlink.Options{
				CommsTimeout: r.cfg.commsTimeout(),
				Clock:        r.clk,
			}, r.logger.Sublogger("can"))
			if err != nil {
				return drive.Inputs{}, errors.Wrapf(err, "opening CAN channel %s", r.cfg.canChannel())
			}
			r.bus = bus
		}
		modules := make([]corner.Driver, n)
		for i := range modules {
			modules[i] = corner.NewCAN(r.bus, i, r.clk, 0, r.logger.Sublogger("corner"))
		}
		var g gyro.Gyro = gyro.Disabled{}
		if !r.cfg.DisableGyro {
			g = gyro.NewCAN(r.bus, r.clk, 0, r.logger.Sublogger("gyro"))
		}
		return drive.Inputs{Gyro: g, Modules: modules}, nil

	case ModeReplay:
		if err := r.connectMQTT(opts); err != nil {
			return drive.Inputs{}, err
		}
		r.replay = newReplaySource(n, r.logger.Sublogger("replay"))
		if err := r.replay.subscribe(r.mqtt, r.cfg.ReplayTopic); err != nil {
			return drive.Inputs{}, err
		}
		modules := make([]corner.Driver, n)
		for i := range modules {
			modules[i] = corner.Disabled{}
		}
		return drive.Inputs{Gyro: gyro.Disabled{}, Modules: modules, Replay: r.replay.inputs()}, nil
	}
	return drive.Inputs{}, errors.Errorf("unknown mode %q", r.mode)
}

func (r *Robot) connectMQTT(opts options) error {
	if r.mqtt != nil {
		return nil
	}
	if opts.mqtt != nil {
		r.mqtt = opts.mqtt
		return nil
	}
	if r.cfg.MQTT == nil {
		return errors.New("no MQTT broker configured")
	}
	client, err := telemetry.DialMQTT(*r.cfg.MQTT, r.logger.Sublogger("mqtt"))
	if err != nil {
		return err
	}
	r.mqtt = client
	return nil
}

func (r *Robot) openPublishers(opts options) ([]telemetry.Publisher, error) {
	var publishers []telemetry.Publisher
	if r.cfg.MQTT != nil && r.cfg.MQTT.Topic != "" {
		if err := r.connectMQTT(opts); err != nil {
			return nil, err
		}
		publishers = append(publishers, telemetry.NewMQTTPublisher(r.mqtt, r.cfg.MQTT.Topic))
	}
	if r.cfg.WebsocketAddress != "" {
		hub := telemetry.NewHub(r.logger.Sublogger("websocket"))
		mux := http.NewServeMux()
		mux.Handle("/telemetry", hub)
		r.server = &http.Server{
			Addr:              r.cfg.WebsocketAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		publishers = append(publishers, hub)
	}
	return publishers, nil
}

// start launches the sampler, the simulation, the control loop and the telemetry outputs.
func (r *Robot) start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.sampler.Start(ctx)
	r.pump.Start(ctx)
	if r.simulated != nil {
		r.activeBackgroundWorkers.Add(1)
		viamutils.ManagedGo(func() {
			r.simulated.Run(ctx, r.clk, simPeriod)
		}, r.activeBackgroundWorkers.Done)
	}
	if server := r.server; server != nil {
		r.activeBackgroundWorkers.Add(1)
		viamutils.ManagedGo(func() {
			r.logger.Infow("serving telemetry websocket", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Errorw("telemetry websocket server stopped", "error", err)
			}
		}, r.activeBackgroundWorkers.Done)
	}
	r.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		r.controlLoop(ctx)
	}, r.activeBackgroundWorkers.Done)
}

func (r *Robot) controlLoop(ctx context.Context) {
	ticker := r.clk.Ticker(r.drive.Config().ControlPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle()
		}
	}
}

// cycle is one pass of the control loop.
func (r *Robot) cycle() {
	r.applyRequests()
	r.drive.Periodic()
	r.scheduler.Run()

	frame := telemetry.Frame{
		Timestamp: r.clk.Now(),
		Mode:      r.mode,
		Commands:  r.scheduler.Running(),
		Snapshot:  r.drive.Snapshot(),
	}
	r.isMoving.Store(moving(frame.Snapshot))
	r.latest.Store(&frame)
	r.pump.Offer(frame)
}

func (r *Robot) applyRequests() {
	for {
		select {
		case fn := <-r.requests:
			fn()
		default:
			return
		}
	}
}

// do queues fn for the next control cycle.
func (r *Robot) do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return errClosed
	case r.requests <- fn:
		return nil
	}
}

// moving reports a non-zero command or a measured speed above sensor noise.
func moving(s drive.Snapshot) bool {
	commanded := math.Max(math.Hypot(s.Commanded.Vx, s.Commanded.Vy), math.Abs(s.Commanded.Omega))
	measured := math.Max(math.Hypot(s.Measured.Vx, s.Measured.Vy), math.Abs(s.Measured.Omega))
	return commanded > 1e-3 || measured > 1e-2
}

func (r *Robot) joystickInput() commands.Input {
	if r.clk.Now().After(r.joystickExpiry) {
		return commands.Input{}
	}
	return r.joystick
}

// schedule runs cmd on the loop. Scheduled commands are interrupted by base motion and by
// joystick input only through the drive requirement they share.
func (r *Robot) schedule(ctx context.Context, cmd commands.Command) error {
	return r.do(ctx, func() { r.scheduler.Schedule(cmd) })
}

// startMotion replaces the running base motion with cmd. Called on the loop.
func (r *Robot) startMotion(cmd commands.Command) {
	if r.motion != nil {
		r.scheduler.Cancel(r.motion)
	}
	r.drive.ClearRotationLock()
	r.motion = cmd
	r.scheduler.Schedule(cmd)
}

// Pose returns the pose of the latest published frame.
func (r *Robot) Pose() kinematics.Pose2D {
	if f := r.latest.Load(); f != nil {
		return f.Pose
	}
	return kinematics.Pose2D{}
}

// SetPose moves the pose estimate on the next cycle.
func (r *Robot) SetPose(ctx context.Context, pose kinematics.Pose2D) error {
	return r.do(ctx, func() { r.drive.SetPose(pose) })
}

// RunVelocity drives at robot relative speeds until replaced or stopped.
func (r *Robot) RunVelocity(ctx context.Context, speeds kinematics.ChassisSpeeds) error {
	cmd := commands.Run("base velocity", func() { r.drive.RunVelocity(speeds) }, commands.DriveRequirement)
	return r.do(ctx, func() { r.startMotion(cmd) })
}

// Telemetry returns the latest published frame, if any.
func (r *Robot) Telemetry() (telemetry.Frame, bool) {
	f := r.latest.Load()
	if f == nil {
		return telemetry.Frame{}, false
	}
	return *f, true
}

// Close stops the loop, leaves the modules stopped and releases every device.
func (r *Robot) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		if r.cancel != nil {
			r.cancel()
		}
		if r.server != nil {
			// ListenAndServe only returns once the server is shut down.
			err = multierr.Append(err, r.server.Shutdown(ctx))
			r.server = nil
		}
		r.activeBackgroundWorkers.Wait()
		r.scheduler.CancelAll()
		r.drive.Stop()
		err = multierr.Append(err, r.closeDevices(ctx))
	})
	return err
}

func (r *Robot) closeDevices(ctx context.Context) error {
	var err error
	if r.server != nil {
		err = multierr.Append(err, r.server.Shutdown(ctx))
	}
	if r.pump != nil {
		err = multierr.Append(err, r.pump.Close())
	}
	r.sampler.Close()
	if r.bus != nil {
		err = multierr.Append(err, r.bus.Close())
	}
	if r.mqtt != nil {
		if r.replay != nil {
			r.mqtt.Unsubscribe(r.cfg.ReplayTopic)
		}
		r.mqtt.Disconnect(mqttQuiesceMs)
	}
	return err
}
