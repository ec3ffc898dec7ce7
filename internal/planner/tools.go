// Package planner declares the content-planning tool contracts the model can
// invoke. The tool bodies belong to the surrounding application and are
// injected as collaborators; this package only fixes names, schemas, and the
// delegation into those collaborators.
package planner

import (
	"context"
	"fmt"

	"muse/internal/tools"
)

// ScriptStore persists a rewritten script for an idea and returns the id of
// the stored revision.
type ScriptStore interface {
	UpdateScript(ctx context.Context, ideaID, script string) (string, error)
}

// ThumbnailQueue enqueues thumbnail generation for an idea and returns the
// job id.
type ThumbnailQueue interface {
	Enqueue(ctx context.Context, ideaID, prompt string) (string, error)
}

// IdeaRegenerator rebuilds an idea from guidance and returns the id of the
// new revision.
type IdeaRegenerator interface {
	Regenerate(ctx context.Context, ideaID, guidance string) (string, error)
}

// Deps bundles the collaborators the tool handlers delegate to.
type Deps struct {
	Scripts    ScriptStore
	Thumbnails ThumbnailQueue
	Ideas      IdeaRegenerator
}

// Register binds the planning tools into a registry. Call once at startup.
func Register(reg *tools.Registry, deps Deps) error {
	toRegister := []struct {
		def tools.Definition
		h   tools.Handler
	}{
		{updateScriptDef(), updateScriptHandler(deps.Scripts)},
		{generateThumbnailDef(), generateThumbnailHandler(deps.Thumbnails)},
		{regenerateIdeaDef(), regenerateIdeaHandler(deps.Ideas)},
	}
	for _, t := range toRegister {
		if err := reg.Register(t.def, t.h); err != nil {
			return fmt.Errorf("register %s: %w", t.def.Name, err)
		}
	}
	return nil
}

func updateScriptDef() tools.Definition {
	return tools.Definition{
		Name:        "update_script",
		Description: "Replace the current script of the idea being discussed with a revised version",
		Parameters: map[string]tools.FieldSpec{
			"script": {
				Type:        "string",
				Description: "The complete revised script text",
				Required:    true,
			},
		},
	}
}

func updateScriptHandler(scripts ScriptStore) tools.Handler {
	return func(ctx context.Context, args map[string]any, call tools.Context) (*tools.Output, error) {
		script, _ := args["script"].(string)
		revisionID, err := scripts.UpdateScript(ctx, call.EntityID, script)
		if err != nil {
			return nil, fmt.Errorf("update script: %w", err)
		}
		return &tools.Output{
			Value:      map[string]any{"revision_id": revisionID},
			ArtifactID: revisionID,
		}, nil
	}
}

func generateThumbnailDef() tools.Definition {
	return tools.Definition{
		Name:        "generate_thumbnail",
		Description: "Queue thumbnail generation for the idea being discussed",
		Parameters: map[string]tools.FieldSpec{
			"prompt": {
				Type:        "string",
				Description: "Visual description to generate the thumbnail from",
				Required:    true,
			},
		},
	}
}

func generateThumbnailHandler(thumbnails ThumbnailQueue) tools.Handler {
	return func(ctx context.Context, args map[string]any, call tools.Context) (*tools.Output, error) {
		prompt, _ := args["prompt"].(string)
		jobID, err := thumbnails.Enqueue(ctx, call.EntityID, prompt)
		if err != nil {
			return nil, fmt.Errorf("queue thumbnail: %w", err)
		}
		return &tools.Output{
			Value:      map[string]any{"job_id": jobID},
			ArtifactID: jobID,
		}, nil
	}
}

func regenerateIdeaDef() tools.Definition {
	return tools.Definition{
		Name:        "regenerate_idea",
		Description: "Regenerate the idea being discussed using the given guidance",
		Parameters: map[string]tools.FieldSpec{
			"guidance": {
				Type:        "string",
				Description: "What to change about the idea",
				Required:    true,
			},
		},
	}
}

func regenerateIdeaHandler(ideas IdeaRegenerator) tools.Handler {
	return func(ctx context.Context, args map[string]any, call tools.Context) (*tools.Output, error) {
		guidance, _ := args["guidance"].(string)
		revisionID, err := ideas.Regenerate(ctx, call.EntityID, guidance)
		if err != nil {
			return nil, fmt.Errorf("regenerate idea: %w", err)
		}
		return &tools.Output{
			Value:      map[string]any{"revision_id": revisionID},
			ArtifactID: revisionID,
		}, nil
	}
}
