package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/halcyonix/mcp"
)

// Server exposes a set of local directories through the Model Context
// Protocol. Every operation is confined to the configured roots; paths that
// resolve outside them, through symlinks included, are rejected.
//
// The roots are published as directory resources, individual files are
// served through a file:// resource template, and the usual filesystem
// operations are available as tools. Watch additionally streams filesystem
// changes out as resource-updated notifications for subscribed clients.
type Server struct {
	roots  []string
	logger *slog.Logger

	watcher     *fsnotify.Watcher
	watchClosed chan struct{}
}

// Option represents the options for the filesystem server.
type Option func(*Server)

// NewServer creates a filesystem server restricted to the given root
// directories. It returns an error when a root does not exist or is not a
// directory.
func NewServer(roots []string, options ...Option) (*Server, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one root directory is required")
	}

	absRoots := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(filepath.Clean(root))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root directory: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root directory is not a directory: %s", root)
		}
		absRoots = append(absRoots, abs)
	}

	s := &Server{
		roots:  absRoots,
		logger: slog.Default().With(slog.String("component", "filesystem")),
	}
	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// WithLogger sets the logger for the filesystem server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "filesystem"))
	}
}

// Register wires the filesystem tools, the root directory resources, and
// the file resource template into srv. The target server needs the tools
// and resources capabilities enabled.
func (s *Server) Register(srv *mcp.Server) error {
	for _, t := range s.tools() {
		if err := srv.AddTool(t.def, t.handler); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", t.def.Name, err)
		}
	}

	for _, root := range s.roots {
		resource := mcp.Resource{
			URI:         fileURI(root),
			Name:        filepath.Base(root),
			Description: "Allowed root directory",
			MimeType:    "inode/directory",
		}
		if err := srv.AddResource(resource, s.readDirectoryResource); err != nil {
			return fmt.Errorf("failed to register root resource: %w", err)
		}
	}

	template := mcp.ResourceTemplate{
		URITemplate: "file://{+path}",
		Name:        "file",
		Description: "Files under the allowed root directories",
		MimeType:    "text/plain",
	}
	if err := srv.AddResourceTemplate(template, s.readFileResource); err != nil {
		return fmt.Errorf("failed to register file template: %w", err)
	}

	return nil
}

// Watch starts streaming filesystem changes under the roots to srv as
// resources/updated notifications. It must be paired with Close.
func (s *Server) Watch(srv *mcp.Server) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// fsnotify does not recurse, so every directory joins the watch
	// individually.
	for _, root := range s.roots {
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			return watcher.Add(path)
		})
		if walkErr != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch root %s: %w", root, walkErr)
		}
	}

	s.watcher = watcher
	s.watchClosed = make(chan struct{})

	go s.processEvents(srv)

	return nil
}

// Close stops the filesystem watcher, if one was started.
func (s *Server) Close() error {
	if s.watcher == nil {
		return nil
	}

	err := s.watcher.Close()
	<-s.watchClosed
	return err
}

func (s *Server) processEvents(srv *mcp.Server) {
	defer close(s.watchClosed)

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// New directories join the watch so nested changes keep flowing.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.watcher.Add(ev.Name); err != nil {
						s.logger.Warn("failed to watch new directory",
							slog.String("path", ev.Name),
							slog.String("err", err.Error()))
					}
				}
			}

			srv.NotifyResourceUpdated(fileURI(ev.Name))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watch error", slog.String("err", err.Error()))
		}
	}
}

func (s *Server) readFileResource(
	_ context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
) (mcp.ReadResourceResult, error) {
	validPath, err := validatePath(uriPath(params.URI), s.roots)
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}

	bs, err := os.ReadFile(validPath)
	if err != nil {
		return mcp.ReadResourceResult{}, fmt.Errorf("failed to read file: %w", err)
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      params.URI,
				MimeType: "text/plain",
				Text:     string(bs),
			},
		},
	}, nil
}

func (s *Server) readDirectoryResource(
	_ context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
) (mcp.ReadResourceResult, error) {
	validPath, err := validatePath(uriPath(params.URI), s.roots)
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}

	entries, err := os.ReadDir(validPath)
	if err != nil {
		return mcp.ReadResourceResult{}, fmt.Errorf("failed to read directory: %w", err)
	}

	var listing strings.Builder
	for _, entry := range entries {
		prefix := "[FILE]"
		if entry.IsDir() {
			prefix = "[DIR]"
		}
		fmt.Fprintf(&listing, "%s %s\n", prefix, entry.Name())
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      params.URI,
				MimeType: "inode/directory",
				Text:     listing.String(),
			},
		},
	}, nil
}

func fileURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}

func uriPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}
