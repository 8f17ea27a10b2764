// Package fileutil provides small path and directory helpers shared by
// conduit's subsystems for the repo-local ".pipeline" dotdir convention.
package fileutil

import "path/filepath"

// PipelineDir returns the .pipeline directory path for a project repo.
func PipelineDir(repoDir string) string {
	return filepath.Join(repoDir, ".pipeline")
}

// PipelineSubdir builds a path to a subdirectory within .pipeline.
func PipelineSubdir(repoDir, subdir string) string {
	return filepath.Join(repoDir, ".pipeline", subdir)
}

// PipelineSubpath returns a path within the .pipeline directory.
func PipelineSubpath(repoDir, subpath string) string {
	return filepath.Join(repoDir, ".pipeline", subpath)
}

// ConfigPath returns the path to a project's pipeline config file.
func ConfigPath(repoDir string) string {
	return PipelineSubpath(repoDir, "config.yaml")
}

// DBPath returns the path to a project's SQLite database file.
func DBPath(repoDir string) string {
	return PipelineSubpath(repoDir, "conduit.db")
}
