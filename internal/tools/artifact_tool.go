package tools

import (
	"context"
	"fmt"
)

// ArtifactReader is the slice of the artifact manager the read_artifact tool
// needs.
type ArtifactReader interface {
	// Read returns the named artifact from the given cycle directory.
	Read(cycleID, name string) ([]byte, error)
	// LatestCompleted returns the id of the newest cycle whose strategy.json
	// exists, or "" when none has completed yet.
	LatestCompleted() (string, error)
}

type readArtifactTool struct {
	reader ArtifactReader
}

// NewReadArtifactTool lets agents read artifacts from earlier stages and
// earlier cycles.
func NewReadArtifactTool(reader ArtifactReader) Tool {
	return &readArtifactTool{reader: reader}
}

func (t *readArtifactTool) Name() string { return "read_artifact" }
func (t *readArtifactTool) Description() string {
	return "Read an artifact (plan.md, research.md, analysis.md, strategy.json, evaluation.md) from a cycle; omit cycle_id for the latest completed cycle."
}
func (t *readArtifactTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":     map[string]any{"type": "string", "description": "Artifact file name"},
			"cycle_id": map[string]any{"type": "string", "description": "Cycle id (YYYYMMDD_HHMMSS); defaults to the latest completed cycle"},
		},
		"required": []string{"name"},
	}
}

func (t *readArtifactTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	name := stringArg(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	cycleID := stringArg(args, "cycle_id")
	if cycleID == "" {
		latest, err := t.reader.LatestCompleted()
		if err != nil {
			return nil, fmt.Errorf("resolve latest cycle: %w", err)
		}
		if latest == "" {
			return nil, fmt.Errorf("no completed cycle exists yet")
		}
		cycleID = latest
	}

	data, err := t.reader.Read(cycleID, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"cycle_id": cycleID,
		"name":     name,
		"content":  string(data),
	}, nil
}
