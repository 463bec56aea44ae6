package opshttp

import (
	"net/http"

	"github.com/keithlinneman/agrotech-web/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic, e.g. to increment the prometheus panic counter
}
