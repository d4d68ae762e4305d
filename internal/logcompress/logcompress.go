// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package logcompress implements the farm's log compressor:
// a work queue of finished build logs
// that are rewritten as bzip2 and removed.
package logcompress

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dsnet/compress/bzip2"
	"zombiezen.com/go/log"
)

// Ext is the extension appended to compressed logs.
const Ext = ".bz2"

// CompressFile rewrites the file at path as path + ".bz2"
// and removes the original.
func CompressFile(path string) (compressedPath string, err error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("compress log %s: %w", path, err)
	}
	defer src.Close()

	compressedPath = path + Ext
	dst, err := os.OpenFile(compressedPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("compress log %s: %w", path, err)
	}
	zw, err := bzip2.NewWriter(dst, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		dst.Close()
		return "", fmt.Errorf("compress log %s: %v", path, err)
	}
	_, err = io.Copy(zw, src)
	if err2 := zw.Close(); err == nil {
		err = err2
	}
	if err2 := dst.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(compressedPath)
		return "", fmt.Errorf("compress log %s: %v", path, err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("compress log %s: %v", path, err)
	}
	return compressedPath, nil
}

// Worker consumes log paths from queue until it is closed or ctx is done,
// compressing each in turn.
// Failures are logged and do not stop the worker.
func Worker(ctx context.Context, queue <-chan string) {
	for {
		select {
		case path, ok := <-queue:
			if !ok {
				return
			}
			compressedPath, err := CompressFile(path)
			if err != nil {
				log.Warnf(ctx, "%v", err)
				continue
			}
			log.Debugf(ctx, "Compressed build log to %s", compressedPath)
		case <-ctx.Done():
			return
		}
	}
}
