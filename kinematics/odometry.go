package kinematics

// Odometry integrates module displacements into a field pose. The heading always follows
// the supplied gyro angle, offset so that Reset can place the robot at any heading.
type Odometry struct {
	kin               *SwerveKinematics
	pose              Pose2D
	gyroOffset        float64
	previousAngle     float64
	previousPositions []ModulePosition
}

// NewOdometry starts odometry at the given pose.
func NewOdometry(kin *SwerveKinematics, gyroAngle float64, positions []ModulePosition, initial Pose2D) *Odometry {
	o := &Odometry{kin: kin}
	o.Reset(initial, gyroAngle, positions)
	return o
}

// Reset places the robot at pose. The gyro and module readings are the values observed
// at the moment of the reset.
func (o *Odometry) Reset(pose Pose2D, gyroAngle float64, positions []ModulePosition) {
	o.pose = pose.WithHeading(pose.Heading)
	o.gyroOffset = AngleModulus(pose.Heading - gyroAngle)
	o.previousAngle = o.pose.Heading
	o.previousPositions = append(o.previousPositions[:0], positions...)
}

// Update applies the displacement since the previous update and returns the new pose.
func (o *Odometry) Update(gyroAngle float64, positions []ModulePosition) Pose2D {
	angle := AngleModulus(gyroAngle + o.gyroOffset)

	deltas := make([]ModulePosition, len(positions))
	for i, p := range positions {
		prev := 0.0
		if i < len(o.previousPositions) {
			prev = o.previousPositions[i].Distance
		}
		deltas[i] = ModulePosition{Distance: p.Distance - prev, Angle: p.Angle}
	}

	twist := o.kin.ToTwist(deltas)
	twist.DTheta = AngleModulus(angle - o.previousAngle)

	next := o.pose.Exp(twist)
	o.pose = Pose2D{X: next.X, Y: next.Y, Heading: angle}
	o.previousAngle = angle
	o.previousPositions = append(o.previousPositions[:0], positions...)
	return o.pose
}

// Pose returns the current estimate.
func (o *Odometry) Pose() Pose2D {
	return o.pose
}
