/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrOutsideStore = errors.New("path is outside the file store")

// FileStore keeps small per-domain files, such as key material, below one
// private base directory.
type FileStore struct {
	basePath string
	mu       sync.RWMutex
}

func NewFileStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("basePath cannot be empty")
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}
	return &FileStore{basePath: abs}, nil
}

// DomainDir is the directory that holds files for domain.
func (fs *FileStore) DomainDir(domain string) string {
	return filepath.Join(fs.basePath, sanitizeName(strings.ToLower(domain)))
}

// Write stores data as name inside the domain directory and returns the
// absolute path. The temp file is renamed into place so readers never see a
// partial file.
func (fs *FileStore) Write(domain, name string, data []byte, perm os.FileMode) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := fs.DomainDir(domain)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create domain directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp_*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := tempFile.Chmod(perm); err != nil {
		return "", fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	tempFile = nil

	finalPath := filepath.Join(dir, sanitizeName(name))
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	return finalPath, nil
}

// Read returns the contents of a file previously returned by Write.
func (fs *FileStore) Read(path string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	full, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	return data, nil
}

func (fs *FileStore) Exists(path string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	full, err := fs.resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// RemoveDomain deletes every file kept for domain.
func (fs *FileStore) RemoveDomain(domain string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.RemoveAll(fs.DomainDir(domain)); err != nil {
		return fmt.Errorf("os.RemoveAll: %w", err)
	}
	return nil
}

func (fs *FileStore) BasePath() string {
	return fs.basePath
}

// resolve accepts absolute paths inside the store or paths relative to it.
func (fs *FileStore) resolve(path string) (string, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(fs.basePath, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(fs.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideStore, path)
	}
	return full, nil
}

// sanitizeName removes path separators and traversal from a file or
// directory name.
func sanitizeName(name string) string {
	sanitized := strings.ReplaceAll(name, "/", "_")
	sanitized = strings.ReplaceAll(sanitized, "\\", "_")
	sanitized = strings.ReplaceAll(sanitized, "..", "_")
	sanitized = strings.ReplaceAll(sanitized, ":", "_")
	sanitized = strings.TrimSpace(sanitized)
	if sanitized == "" {
		sanitized = "default"
	}
	return sanitized
}
