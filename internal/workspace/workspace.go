// Package workspace writes compiled artifacts to disk.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/studio/internal/models"
)

const (
	MetaDir        = ".studio"
	MetaFile       = "session.json"
	ManuscriptFile = "manuscript.md"
	SpecFile       = "spec.json"
)

type Workspace struct {
	Path string
}

type SessionMetadata struct {
	SessionID  string              `json:"session_id"`
	SquadID    string              `json:"squad_id"`
	Idea       string              `json:"idea"`
	Status     string              `json:"status"`
	Revisions  int                 `json:"revisions"`
	Stages     []string            `json:"stages"`
	Artifact   models.ArtifactKind `json:"artifact"`
	Files      []string            `json:"files"`
	ExportedAt time.Time           `json:"exported_at"`
}

// Create makes dir and its metadata directory.
func Create(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve export path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, MetaDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return &Workspace{Path: abs}, nil
}

func Open(dir string) (*Workspace, error) {
	if _, err := os.Stat(filepath.Join(dir, MetaDir, MetaFile)); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s is not an exported session", dir)
	}
	return &Workspace{Path: dir}, nil
}

// Export writes the artifact of a completed session into dir and returns the
// workspace with the relative paths it wrote.
func Export(dir string, sess *models.Session, art *models.FinalArtifact) (*Workspace, []string, error) {
	if art == nil {
		return nil, nil, fmt.Errorf("session %s has no compiled artifact", sess.ID)
	}
	w, err := Create(dir)
	if err != nil {
		return nil, nil, err
	}
	files, err := w.WriteArtifact(art)
	if err != nil {
		return nil, nil, err
	}
	if err := w.WriteSessionMetadata(sess, art, files); err != nil {
		return nil, nil, err
	}
	return w, files, nil
}

func (w *Workspace) WriteArtifact(art *models.FinalArtifact) ([]string, error) {
	switch art.Kind {
	case models.ArtifactManifest:
		written := make([]string, 0, len(art.Files))
		for _, f := range art.Files {
			rel, err := safePath(f.Path)
			if err != nil {
				return nil, err
			}
			if err := w.writeFile(rel, []byte(f.Content)); err != nil {
				return nil, err
			}
			written = append(written, rel)
		}
		return written, nil

	case models.ArtifactManuscript:
		if err := w.writeFile(ManuscriptFile, []byte(art.Manuscript)); err != nil {
			return nil, err
		}
		return []string{ManuscriptFile}, nil

	case models.ArtifactSpec:
		data, err := json.MarshalIndent(art.Spec, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal spec: %w", err)
		}
		if err := w.writeFile(SpecFile, append(data, '\n')); err != nil {
			return nil, err
		}
		return []string{SpecFile}, nil
	}
	return nil, fmt.Errorf("unknown artifact kind %q", art.Kind)
}

func (w *Workspace) writeFile(rel string, data []byte) error {
	path := filepath.Join(w.Path, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// safePath keeps manifest paths inside the workspace.
func safePath(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", &models.SchemaViolationError{Field: "files.path", Reason: fmt.Sprintf("%q must be relative", p)}
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &models.SchemaViolationError{Field: "files.path", Reason: fmt.Sprintf("%q escapes the workspace", p)}
	}
	if clean == MetaDir || strings.HasPrefix(clean, MetaDir+string(filepath.Separator)) {
		return "", &models.SchemaViolationError{Field: "files.path", Reason: fmt.Sprintf("%q is reserved", p)}
	}
	return clean, nil
}

func (w *Workspace) WriteSessionMetadata(sess *models.Session, art *models.FinalArtifact, files []string) error {
	meta := &SessionMetadata{
		SessionID:  sess.ID,
		SquadID:    sess.SquadID,
		Idea:       sess.Idea,
		Status:     string(sess.Status),
		Revisions:  sess.Revisions,
		Artifact:   art.Kind,
		Files:      files,
		ExportedAt: time.Now().UTC(),
	}
	for _, rec := range sess.ActiveLog() {
		meta.Stages = append(meta.Stages, rec.StageID)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.Path, MetaDir, MetaFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", MetaFile, err)
	}
	return nil
}

func (w *Workspace) ReadSessionMetadata() (*SessionMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, MetaDir, MetaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", MetaFile, err)
	}
	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MetaFile, err)
	}
	return &meta, nil
}

// InitGit turns the workspace into a git repository with one commit holding
// the exported files.
func (w *Workspace) InitGit(message string) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git not found in PATH")
	}
	steps := [][]string{
		{"init", "--quiet"},
		{"add", "--all"},
		{"-c", "user.name=studio", "-c", "user.email=studio@localhost", "commit", "--quiet", "-m", message},
	}
	for _, args := range steps {
		cmd := exec.Command("git", args...)
		cmd.Dir = w.Path
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git %s failed: %s", args[0], strings.TrimSpace(string(output)))
		}
	}
	return nil
}
