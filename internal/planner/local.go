package planner

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LocalDeps is an in-process implementation of the tool collaborators. It
// backs tests and standalone runs where the real CRUD layer is absent;
// artifacts live only for the lifetime of the process.
type LocalDeps struct {
	mu         sync.Mutex
	scripts    map[string]string
	thumbnails map[string]string
	ideas      map[string]string
}

func NewLocalDeps() *LocalDeps {
	return &LocalDeps{
		scripts:    make(map[string]string),
		thumbnails: make(map[string]string),
		ideas:      make(map[string]string),
	}
}

// Deps returns the collaborator bundle backed by this instance.
func (l *LocalDeps) Deps() Deps {
	return Deps{Scripts: l, Thumbnails: l, Ideas: l}
}

func (l *LocalDeps) UpdateScript(_ context.Context, ideaID, script string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := "script-" + uuid.NewString()
	l.scripts[id] = script
	l.scripts["latest:"+ideaID] = script
	return id, nil
}

func (l *LocalDeps) Enqueue(_ context.Context, ideaID, prompt string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := "thumb-" + uuid.NewString()
	l.thumbnails[id] = ideaID + ": " + prompt
	return id, nil
}

func (l *LocalDeps) Regenerate(_ context.Context, ideaID, guidance string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := "idea-" + uuid.NewString()
	l.ideas[id] = ideaID + ": " + guidance
	return id, nil
}

// Script returns a stored script revision by artifact id.
func (l *LocalDeps) Script(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scripts[id]
	return s, ok
}
