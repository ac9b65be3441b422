// Package workspace lays out the directories a run works in.
//
// For operating directory D, client C and run R:
//
//	D/C/R          run workspace
//	D/output/C/R   output workspace
//	D/cache/C/R    cache workspace
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// dirMode is the permission of created workspace directories.
const dirMode = 0o755

// OutputFile is the file the final run output is written to.
const OutputFile = "output.json"

// Paths are the three workspaces of one run on one node.
type Paths struct {
	Run    string
	Output string
	Cache  string
}

// PathsFor returns the workspaces of runID for clientID under root.
func PathsFor(root, clientID, runID string) Paths {
	return Paths{
		Run:    filepath.Join(root, clientID, runID),
		Output: filepath.Join(root, "output", clientID, runID),
		Cache:  filepath.Join(root, "cache", clientID, runID),
	}
}

// OutputPath is the location of the final output file.
func (p Paths) OutputPath() string {
	return filepath.Join(p.Output, OutputFile)
}

// DirectoryProvisioningError reports a workspace that could not be created.
type DirectoryProvisioningError struct {
	Path string
	Err  error
}

func (e *DirectoryProvisioningError) Error() string {
	return fmt.Sprintf("unable to create pipeline directories: %s: %v", e.Path, e.Err)
}

func (e *DirectoryProvisioningError) Unwrap() error {
	return e.Err
}

// Provision creates all three workspaces concurrently. It succeeds only if
// every directory exists afterwards; existing directories are fine.
func Provision(ctx context.Context, p Paths) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, dir := range []string{p.Run, p.Output, p.Cache} {
		dir := dir
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return &DirectoryProvisioningError{Path: dir, Err: err}
			}
			if err := os.MkdirAll(dir, dirMode); err != nil {
				return &DirectoryProvisioningError{Path: dir, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}
