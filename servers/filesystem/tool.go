package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/halcyonix/mcp"
)

type toolDef struct {
	def     mcp.Tool
	handler mcp.ToolHandler
}

func (s *Server) tools() []toolDef {
	return []toolDef{
		{
			def: mcp.Tool{
				Name: "read_file",
				Description: "Read the complete contents of a file from the file system. " +
					"Only works within allowed directories.",
				InputSchema: pathOnlySchema,
			},
			handler: s.readFile,
		},
		{
			def: mcp.Tool{
				Name: "write_file",
				Description: "Create a new file or completely overwrite an existing file with new content. " +
					"Only works within allowed directories.",
				InputSchema: writeFileSchema,
			},
			handler: s.writeFile,
		},
		{
			def: mcp.Tool{
				Name: "edit_file",
				Description: "Make text replacements in a file and return a git-style diff of the changes. " +
					"With dryRun set the diff is produced without touching the file. " +
					"Only works within allowed directories.",
				InputSchema: editFileSchema,
			},
			handler: s.editFile,
		},
		{
			def: mcp.Tool{
				Name: "create_directory",
				Description: "Create a directory, including missing parents. Succeeds silently when the " +
					"directory already exists. Only works within allowed directories.",
				InputSchema: pathOnlySchema,
			},
			handler: s.createDirectory,
		},
		{
			def: mcp.Tool{
				Name: "list_directory",
				Description: "List all files and directories in a path, marked with [FILE] and [DIR] " +
					"prefixes. Only works within allowed directories.",
				InputSchema: pathOnlySchema,
			},
			handler: s.listDirectory,
		},
		{
			def: mcp.Tool{
				Name: "move_file",
				Description: "Move or rename a file or directory. Fails when the destination exists. " +
					"Both ends must be within allowed directories.",
				InputSchema: moveFileSchema,
			},
			handler: s.moveFile,
		},
		{
			def: mcp.Tool{
				Name: "search_files",
				Description: "Recursively search for files and directories whose name contains a pattern, " +
					"case-insensitively. Exclude patterns are globs relative to the starting path. " +
					"Only searches within allowed directories.",
				InputSchema: searchFilesSchema,
			},
			handler: s.searchFilesTool,
		},
		{
			def: mcp.Tool{
				Name: "get_file_info",
				Description: "Retrieve size, modification time, permissions, and type for a file or " +
					"directory without reading its content. Only works within allowed directories.",
				InputSchema: pathOnlySchema,
			},
			handler: s.getFileInfo,
		},
	}
}

// errorResult reports an operational failure as a tool-level error, keeping
// the request itself successful.
func errorResult(err error) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: err.Error(),
			},
		},
		IsError: true,
	}
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
	}
}

func (s *Server) readFile(
	_ context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	var args ReadFileArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	validPath, err := validatePath(args.Path, s.roots)
	if err != nil {
		return errorResult(err), nil
	}

	info, err := os.Stat(validPath)
	if err != nil {
		return errorResult(fmt.Errorf("failed to stat %s: %w", args.Path, err)), nil
	}
	if info.IsDir() {
		return errorResult(fmt.Errorf("path %s is a directory, not a file", args.Path)), nil
	}

	bs, err := os.ReadFile(validPath)
	if err != nil {
		return errorResult(fmt.Errorf("failed to read %s: %w", args.Path, err)), nil
	}

	return textResult(string(bs)), nil
}

func (s *Server) writeFile(
	_ context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	var args WriteFileArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	validPath, err := validatePath(args.Path, s.roots)
	if err != nil {
		return errorResult(err), nil
	}

	if err := os.WriteFile(validPath, []byte(args.Content), 0600); err != nil {
		return errorResult(fmt.Errorf("failed to write %s: %w", args.Path, err)), nil
	}

	return textResult(fmt.Sprintf("File %s written successfully", args.Path)), nil
}

func (s *Server) editFile(
	_ context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	var args EditFileArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	validPath, err := validatePath(args.Path, s.roots)
	if err != nil {
		return errorResult(err), nil
	}

	diff, err := applyFileEdits(validPath, args.Edits, args.DryRun)
	if err != nil {
		return errorResult(err), nil
	}

	return textResult(diff), nil
}

func (s *Server) createDirectory(
	_ context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	var args CreateDirectoryArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	validPath, err := validatePath(args.Path, s.roots)
	if err != nil {
		return errorResult(err), nil
	}

	if err := os.MkdirAll(validPath, 0700); err != nil {
		return errorResult(fmt.Errorf("failed to create directory %s: %w", args.Path, err)), nil
	}

	return textResult(fmt.Sprintf("Directory %s created successfully", args.Path)), nil
}

func (s *Server) listDirectory(
	_ context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	var args ListDirectoryArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	validPath, err := validatePath(args.Path, s.roots)
	if err != nil {
		return errorResult(err), nil
	}

	entries, err := os.ReadDir(validPath)
	if err != nil {
		return errorResult(fmt.Errorf("failed to read directory %s: %w", args.Path, err)), nil
	}

	var listing strings.Builder
	for _, entry := range entries {
		prefix := "[FILE]"
		if entry.IsDir() {
			prefix = "[DIR]"
		}
		fmt.Fprintf(&listing, "%s %s\n", prefix, entry.Name())
	}

	return textResult(listing.String()), nil
}

func (s *Server) moveFile(
	_ context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	var args MoveFileArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	validSource, err := validatePath(args.Source, s.roots)
	if err != nil {
		return errorResult(err), nil
	}
	validDestination, err := validatePath(args.Destination, s.roots)
	if err != nil {
		return errorResult(err), nil
	}

	if _, err := os.Stat(validDestination); err == nil {
		return errorResult(fmt.Errorf("destination %s already exists", args.Destination)), nil
	}

	if err := os.Rename(validSource, validDestination); err != nil {
		return errorResult(fmt.Errorf("failed to move %s: %w", args.Source, err)), nil
	}

	return textResult(fmt.Sprintf("File %s moved to %s successfully", args.Source, args.Destination)), nil
}

func (s *Server) searchFilesTool(
	_ context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	var args SearchFilesArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	validPath, err := validatePath(args.Path, s.roots)
	if err != nil {
		return errorResult(err), nil
	}

	progress(mcp.ProgressParams{Progress: 0})

	matches, err := searchFiles(validPath, args.Pattern, s.roots, args.Exclude)
	if err != nil {
		return errorResult(err), nil
	}

	progress(mcp.ProgressParams{Progress: 1, Total: 1})

	if len(matches) == 0 {
		return textResult("No files found"), nil
	}

	return textResult(strings.Join(matches, "\n")), nil
}

func (s *Server) getFileInfo(
	_ context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	var args GetFileInfoArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	validPath, err := validatePath(args.Path, s.roots)
	if err != nil {
		return errorResult(err), nil
	}

	info, err := os.Stat(validPath)
	if err != nil {
		return errorResult(fmt.Errorf("failed to stat %s: %w", args.Path, err)), nil
	}

	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}

	return textResult(fmt.Sprintf("Path: %s\nType: %s\nSize: %d\nMode: %s\nLast modified: %s\n",
		args.Path, kind, info.Size(), info.Mode(), info.ModTime().Format("2006-01-02 15:04:05"))), nil
}
