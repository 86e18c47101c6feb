// Package phases loads and validates the operator-supplied
// phase-weighted replay schedule, falling back to the recovered defaults when the file is absent or
// fails schema/weight validation. Grounded on
// ClusterCockpit-cc-backend's pkg/schema (embed.FS + jsonschema/v5
// Loaders["embedFS"] pattern).
package phases

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowsentry/flowsentry/internal/printer"
	"github.com/flowsentry/flowsentry/internal/replay"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadEmbedded(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = loadEmbedded
}

// fileDescriptor mirrors the wire format: a bare array of
// objects keyed "duration"/"http"/"dns"/"ssh"/"udp" (looping is a
// replay CLI concern via --loop, not a file field).
type fileDescriptor struct {
	Duration float64 `json:"duration"`
	HTTP     float64 `json:"http"`
	DNS      float64 `json:"dns"`
	SSH      float64 `json:"ssh"`
	UDP      float64 `json:"udp"`
}

// Load reads and validates path against the embedded schema, then
// checks every phase's weights sum to 1.0 (+/- 0.01). On any
// failure it logs a warning and returns the recovered default
// schedule instead of erroring the caller out of existence — a
// malformed phases file should degrade, not crash the replayer. loop
// carries the replayer's --loop flag through to the returned
// Schedule, since the file format itself has no loop field.
func Load(path string, loop bool) (*replay.Schedule, error) {
	descriptors, err := loadAndValidate(path)
	if err != nil {
		printer.Warningf("phases: %v; falling back to default phase schedule\n", err)
		return replay.NewSchedule(replay.DefaultPhases(), loop), nil
	}
	return replay.NewSchedule(descriptors, loop), nil
}

func loadAndValidate(path string) ([]replay.PhaseDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read phases file %s", path)
	}

	schema, err := jsonschema.Compile("embedFS://schemas/phases.schema.json")
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile phases schema")
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "phases file is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, errors.Wrap(err, "phases file failed schema validation")
	}

	var parsed []fileDescriptor
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to decode phases file")
	}

	out := make([]replay.PhaseDescriptor, len(parsed))
	for i, d := range parsed {
		pd := replay.PhaseDescriptor{
			Name:        fmt.Sprintf("phase-%d", i),
			DurationSec: d.Duration,
			HTTPWeight:  d.HTTP,
			DNSWeight:   d.DNS,
			SSHWeight:   d.SSH,
			UDPWeight:   d.UDP,
		}
		if !pd.Valid() {
			return nil, fmt.Errorf("phase %d weights do not sum to 1.0 (+/- 0.01)", i)
		}
		out[i] = pd
	}
	return out, nil
}
