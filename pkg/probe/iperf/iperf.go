// Package iperf measures throughput with the iperf3 client.
package iperf

import (
	"context"
	"encoding/json"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/probe"
	"github.com/rmax-ai/loadtest/pkg/scenario"
)

const (
	DefaultPort     = 5201
	DefaultDuration = 10 * time.Second

	// grace on top of the test duration before iperf3 is killed
	execGrace = 30 * time.Second
)

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Probe runs a reverse (download) and a forward (upload) UDP test against
// every target and reports one sample per metric per target.
type Probe struct {
	Binary string
	run    Runner
}

func New() *Probe {
	return &Probe{Binary: "iperf3", run: execRunner}
}

// NewWithRunner is used by tests to replace the iperf3 process.
func NewWithRunner(run Runner) *Probe {
	return &Probe{Binary: "iperf3", run: run}
}

func (p *Probe) Run(ctx context.Context, scenarioID string, params scenario.Parameters) ([]probe.Measurement, error) {
	targets := params.Strings("target_url")
	if len(targets) == 0 {
		return nil, &probe.Error{Reason: "no target_url for " + scenarioID}
	}
	duration := params.Duration("duration", DefaultDuration)

	var out []probe.Measurement
	for _, target := range targets {
		host, port, err := SplitTarget(target)
		if err != nil {
			return nil, probe.Failf(err, "bad target %q", target)
		}

		down, err := p.execute(ctx, host, port, duration, true)
		if err != nil {
			return nil, probe.Failf(err, "download test against %s", target)
		}
		up, err := p.execute(ctx, host, port, duration, false)
		if err != nil {
			return nil, probe.Failf(err, "upload test against %s", target)
		}

		out = append(out,
			probe.Measurement{Name: "download_speed", Value: down.bitsPerSecond(), Unit: "bps"},
			probe.Measurement{Name: "upload_speed", Value: up.bitsPerSecond(), Unit: "bps"},
			probe.Measurement{Name: "jitter", Value: max(down.End.Sum.JitterMs, up.End.Sum.JitterMs), Unit: "ms"},
		)
		if rtt, ok := down.meanRTT(); ok {
			out = append(out, probe.Measurement{Name: "latency", Value: rtt, Unit: "us"})
		}
	}
	return out, nil
}

// SplitTarget parses host[:port], defaulting the port to 5201.
func SplitTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// no port
		return target, DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func (p *Probe) execute(ctx context.Context, host string, port int, duration time.Duration, reverse bool) (*report, error) {
	ctx, cancel := context.WithTimeout(ctx, duration+execGrace)
	defer cancel()

	args := []string{
		"-c", host,
		"-p", strconv.Itoa(port),
		"-t", strconv.Itoa(int(duration.Seconds())),
		"-J",
		"-u",
	}
	if reverse {
		args = append(args, "-R")
	}

	stdout, runErr := p.run(ctx, p.Binary, args...)
	if len(stdout) == 0 {
		if runErr != nil {
			return nil, errors.Wrap(runErr, "iperf3 produced no output")
		}
		return nil, errors.New("iperf3 produced no output")
	}
	return parseReport(stdout)
}

// report is the subset of `iperf3 -J` output used here.
type report struct {
	Error string `json:"error"`
	End   struct {
		Sum         summary `json:"sum"`
		SumReceived summary `json:"sum_received"`
		Streams     []struct {
			Sender struct {
				MeanRTT float64 `json:"mean_rtt"`
			} `json:"sender"`
		} `json:"streams"`
	} `json:"end"`
}

type summary struct {
	BitsPerSecond float64 `json:"bits_per_second"`
	JitterMs      float64 `json:"jitter_ms"`
}

func parseReport(data []byte) (*report, error) {
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "failed to decode iperf3 json")
	}
	if r.Error != "" {
		return nil, errors.New(r.Error)
	}
	return &r, nil
}

func (r *report) bitsPerSecond() float64 {
	if r.End.Sum.BitsPerSecond > 0 {
		return r.End.Sum.BitsPerSecond
	}
	return r.End.SumReceived.BitsPerSecond
}

// meanRTT is reported by iperf3 in microseconds, TCP senders only.
func (r *report) meanRTT() (float64, bool) {
	if len(r.End.Streams) == 0 || r.End.Streams[0].Sender.MeanRTT == 0 {
		return 0, false
	}
	return r.End.Streams[0].Sender.MeanRTT, true
}
