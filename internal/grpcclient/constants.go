// Package grpcclient talks to the classifier inference sidecar.
package grpcclient

import "time"

// Service methods. Requests and replies are well-known wrapper types so the
// sidecar needs no shared proto file.
const (
	ServiceName       = "animalsense.v1.SoundClassifier"
	MethodLoadModel   = "/" + ServiceName + "/LoadModel"
	MethodClassify    = "/" + ServiceName + "/Classify"
	HealthServiceName = ServiceName
)

const (
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second

	DefaultPredictTimeout = 2 * time.Second
	HealthCheckTimeout    = 2 * time.Second
	LoadModelTimeout      = 30 * time.Second
)
