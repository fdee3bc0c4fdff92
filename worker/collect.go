package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
)

const (
	packageContentType = "application/octet-stream"
	logContentType     = "text/plain; charset=utf-8"
	jobLogFilename     = "job.log"
)

type collectedFile struct {
	path     string
	filename string
	subdir   string
	sha256   string
	size     int64
}

// collectArtifacts scans the conda output folder for package files. conda
// build writes per-platform packages under <out>/<conda_platform> and
// noarch packages under <out>/noarch.
func (p *pipeline) collectArtifacts(step domain.PlanStep) (*int, string, error) {
	outDir := filepath.Join(p.workDir, p.plan.OutputFolder)

	var files []collectedFile
	for _, subdir := range []string{p.plan.CondaPlatform, "noarch"} {
		dir := filepath.Join(outDir, subdir)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "collect_failed", fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !matchesAny(p.plan.ArtifactPatterns, entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			digest, size, err := fileDigest(path)
			if err != nil {
				return nil, "collect_failed", fmt.Errorf("hash %s: %w", path, err)
			}
			files = append(files, collectedFile{
				path:     path,
				filename: entry.Name(),
				subdir:   subdir,
				sha256:   digest,
				size:     size,
			})
		}
	}
	if len(files) == 0 {
		return nil, "no_artifacts", fmt.Errorf("no files matched %v under %s", p.plan.ArtifactPatterns, outDir)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].subdir != files[j].subdir {
			return files[i].subdir < files[j].subdir
		}
		return files[i].filename < files[j].filename
	})
	for _, file := range files {
		p.logf("collected %s/%s (%d bytes, sha256=%s)", file.subdir, file.filename, file.size, file.sha256[:12])
	}
	p.collected = files
	return nil, "", nil
}

// uploadArtifacts registers each collected package and streams it to the
// presigned URL that comes back. Re-registering after a partial upload is
// safe; the coordinator answers duplicates with a fresh URL.
func (p *pipeline) uploadArtifacts(ctx context.Context, step domain.PlanStep) (*int, string, error) {
	if len(p.collected) == 0 {
		return nil, "no_artifacts", errors.New("collect produced nothing to upload")
	}

	attemptCtx := ctx
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	for _, file := range p.collected {
		receipt, err := p.client.registerArtifact(attemptCtx, p.jobID, artifactRegistration{
			Kind:        domain.ArtifactKindPackage,
			Filename:    file.filename,
			Subdir:      file.subdir,
			SHA256:      file.sha256,
			SizeBytes:   file.size,
			ContentType: packageContentType,
		})
		if err != nil {
			return nil, "register_failed", fmt.Errorf("register %s: %w", file.filename, err)
		}

		f, err := os.Open(file.path)
		if err != nil {
			return nil, "upload_failed", err
		}
		err = p.client.uploadFile(attemptCtx, receipt.UploadURL, f, file.size, packageContentType)
		f.Close()
		if err != nil {
			return nil, "upload_failed", fmt.Errorf("upload %s: %w", file.filename, err)
		}
		p.logf("uploaded %s/%s", file.subdir, file.filename)
	}
	return nil, "", nil
}

// uploadJobLog ships the combined step output as a build-log artifact.
// It runs after the pipeline, success or not, so failures keep their logs.
func (p *pipeline) uploadJobLog(ctx context.Context) error {
	content := p.logBuf.Bytes()
	digest := sha256.Sum256(content)

	receipt, err := p.client.registerArtifact(ctx, p.jobID, artifactRegistration{
		Kind:        domain.ArtifactKindBuildLog,
		Filename:    jobLogFilename,
		SHA256:      hex.EncodeToString(digest[:]),
		SizeBytes:   int64(len(content)),
		ContentType: logContentType,
	})
	if err != nil {
		return fmt.Errorf("register job log: %w", err)
	}
	if err := p.client.uploadFile(ctx, receipt.UploadURL, bytes.NewReader(content), int64(len(content)), logContentType); err != nil {
		return fmt.Errorf("upload job log: %w", err)
	}
	return nil
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
