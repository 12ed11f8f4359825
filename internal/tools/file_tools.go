package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes truncates file reads that would flood the context.
const maxReadBytes = 50 * 1024

// FileTools provides file read/write/list/move/delete within a workspace.
type FileTools struct {
	workspacePath string
}

// NewFileTools creates a new FileTools instance.
// If workspacePath is empty, file tools will be disabled.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{workspacePath: workspacePath}
}

// Enabled returns true if file tools are available.
func (ft *FileTools) Enabled() bool {
	return ft.workspacePath != ""
}

// WorkspacePath returns the configured workspace path.
func (ft *FileTools) WorkspacePath() string {
	return ft.workspacePath
}

// resolvePath converts a path to an absolute path within the workspace.
// Returns an error if the path would escape the workspace.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.workspacePath == "" {
		return "", errors.New("workspace not configured")
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}

	workspaceAbs, err := filepath.Abs(ft.workspacePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	absPath := path
	if !filepath.IsAbs(path) {
		absPath = filepath.Join(workspaceAbs, path)
	}
	absPath = filepath.Clean(absPath)

	rel, err := filepath.Rel(workspaceAbs, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return absPath, nil
}

// Read reads the contents of a file. offset is 1-indexed; offset and
// limit select a line range when positive.
func (ft *FileTools) Read(ctx context.Context, path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")

		startLine := 0
		if offset > 0 {
			startLine = offset - 1
		}
		if startLine >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}

		endLine := len(lines)
		if limit > 0 && startLine+limit < endLine {
			endLine = startLine + limit
		}

		content = strings.Join(lines[startLine:endLine], "\n")

		if startLine > 0 || endLine < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", startLine+1, endLine, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}

	return content, nil
}

// Write writes content to a file, creating directories as needed.
func (ft *FileTools) Write(ctx context.Context, path, content string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// List lists files in a directory. Directories carry a trailing slash.
func (ft *FileTools) List(ctx context.Context, path string) ([]string, error) {
	if path == "" {
		path = "."
	}
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	return result, nil
}

// Move renames a file or directory inside the workspace. The
// destination's parent is created if needed; an existing destination
// is never overwritten.
func (ft *FileTools) Move(ctx context.Context, src, dst string) error {
	absSrc, err := ft.resolvePath(src)
	if err != nil {
		return err
	}
	absDst, err := ft.resolvePath(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absSrc); err != nil {
		return fmt.Errorf("source not found: %s", src)
	}
	if _, err := os.Stat(absDst); err == nil {
		return fmt.Errorf("destination already exists: %s", dst)
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		return fmt.Errorf("failed to move: %w", err)
	}
	return nil
}

// Delete removes a file or an empty directory. The workspace root
// itself cannot be deleted.
func (ft *FileTools) Delete(ctx context.Context, path string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}
	if root, _ := filepath.Abs(ft.workspacePath); absPath == root {
		return errors.New("refusing to delete the workspace root")
	}
	if err := os.Remove(absPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("failed to delete: %w", err)
	}
	return nil
}

// Tools returns the file tools backed by ft.
func (ft *FileTools) Tools() []*Tool {
	pathProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	object := func(props map[string]any, required ...string) map[string]any {
		m := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			m["required"] = required
		}
		return m
	}

	return []*Tool{
		{
			Name:        "read_file",
			Description: "Read a text file from the workspace. Use offset and limit to page through large files.",
			Parameters: object(map[string]any{
				"path":   pathProp("File path, relative to the workspace"),
				"offset": map[string]any{"type": "integer", "description": "First line to return (1-indexed)"},
				"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to return"},
			}, "path"),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return ft.Read(ctx, stringArg(args, "path"), intArg(args, "offset", 0), intArg(args, "limit", 0))
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the workspace, creating parent directories. Overwrites existing files.",
			Parameters: object(map[string]any{
				"path":    pathProp("File path, relative to the workspace"),
				"content": map[string]any{"type": "string", "description": "Full file content"},
			}, "path", "content"),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, content := stringArg(args, "path"), stringArg(args, "content")
				if err := ft.Write(ctx, path, content); err != nil {
					return "", err
				}
				return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
			},
		},
		{
			Name:        "list_files",
			Description: "List the entries of a workspace directory. Directories end with a slash.",
			Parameters: object(map[string]any{
				"path": pathProp("Directory path, relative to the workspace (default: workspace root)"),
			}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path := stringArg(args, "path")
				entries, err := ft.List(ctx, path)
				if err != nil {
					return "", err
				}
				if len(entries) == 0 {
					return "(empty directory)", nil
				}
				return strings.Join(entries, "\n"), nil
			},
		},
		{
			Name:        "move_file",
			Description: "Move or rename a file or directory within the workspace.",
			Parameters: object(map[string]any{
				"source":      pathProp("Existing path"),
				"destination": pathProp("New path; must not exist"),
			}, "source", "destination"),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				src, dst := stringArg(args, "source"), stringArg(args, "destination")
				if err := ft.Move(ctx, src, dst); err != nil {
					return "", err
				}
				return fmt.Sprintf("Moved %s to %s", src, dst), nil
			},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file or an empty directory from the workspace.",
			Parameters: object(map[string]any{
				"path": pathProp("Path to delete"),
			}, "path"),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path := stringArg(args, "path")
				if err := ft.Delete(ctx, path); err != nil {
					return "", err
				}
				return "Deleted " + path, nil
			},
		},
	}
}
