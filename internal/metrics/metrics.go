// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginAttempts counts login attempts by outcome ("OK" or an error
	// code).
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "license_login_attempts_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	// DeviceRegistrations counts device slots claimed by successful logins.
	DeviceRegistrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "license_device_registrations_total",
		Help: "New device bindings created by logins.",
	})
)
