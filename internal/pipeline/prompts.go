package pipeline

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

const (
	topicPromptVersion  = "topic_v1"
	scriptPromptVersion = "script_v1"
)

//go:embed prompts/*.tmpl
var builtinPrompts embed.FS

var promptFuncs = template.FuncMap{
	"join": strings.Join,
}

// PromptLibrary renders prompt templates. A file in dir overrides the
// built-in template with the same name.
type PromptLibrary struct {
	dir string

	tmplMu    sync.RWMutex
	templates map[string]*template.Template
}

func NewPromptLibrary(dir string) *PromptLibrary {
	return &PromptLibrary{
		dir:       strings.TrimSpace(dir),
		templates: make(map[string]*template.Template),
	}
}

func (l *PromptLibrary) Render(version string, data any) (string, error) {
	tmpl, err := l.loadTemplate(version + ".tmpl")
	if err != nil {
		return "", err
	}

	buffer := bytes.NewBuffer(nil)
	if err := tmpl.Execute(buffer, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", version, err)
	}
	return buffer.String(), nil
}

func (l *PromptLibrary) loadTemplate(fileName string) (*template.Template, error) {
	l.tmplMu.RLock()
	if tmpl, ok := l.templates[fileName]; ok {
		l.tmplMu.RUnlock()
		return tmpl, nil
	}
	l.tmplMu.RUnlock()

	content, err := l.readTemplate(fileName)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(fileName).Funcs(promptFuncs).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", fileName, err)
	}

	l.tmplMu.Lock()
	l.templates[fileName] = tmpl
	l.tmplMu.Unlock()

	return tmpl, nil
}

func (l *PromptLibrary) readTemplate(fileName string) ([]byte, error) {
	if l.dir != "" {
		absolute := filepath.Join(l.dir, fileName)
		content, err := os.ReadFile(absolute)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read prompt template %s: %w", absolute, err)
		}
	}

	content, err := builtinPrompts.ReadFile("prompts/" + fileName)
	if err != nil {
		return nil, fmt.Errorf("read builtin prompt template %s: %w", fileName, err)
	}
	return content, nil
}
