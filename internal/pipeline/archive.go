package pipeline

import (
	"context"
	"fmt"

	"github.com/iyulab/sentinel/internal/store"
)

// SetUploader overrides the archive uploader (used in tests).
func (p *Pipeline) SetUploader(u uploader) { p.uploader = u }

// Archive zips the output directory into an evidence bundle and, when
// [archive] is enabled, uploads it. An upload failure is reported and the
// bundle is kept locally; key is "" in that case.
func (p *Pipeline) Archive(ctx context.Context) (bundle, key string, err error) {
	fmt.Fprintf(p.stderr, "[*] Creating evidence package...\n")
	bundle, err = p.exportBundle(p.cfg.Output.Dir)
	if err != nil {
		return "", "", fmt.Errorf("evidence export: %w", err)
	}
	fmt.Fprintf(p.stdout, "Evidence: %s\n", bundle)

	if !p.cfg.Archive.Enabled {
		fmt.Fprintf(p.stderr, "[*] Archive upload disabled\n")
		return bundle, "", nil
	}
	key = p.upload(ctx, bundle)
	if key != "" {
		fmt.Fprintf(p.stdout, "Archived: s3://%s/%s\n", p.cfg.Archive.Bucket, key)
	}
	return bundle, key, nil
}

func (p *Pipeline) exportBundle(dir string) (string, error) {
	bundle, err := store.ExportBundle(dir, p.hostname, p.opts.Version)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(p.stderr, "[*] Evidence package: %s\n", bundle)
	return bundle, nil
}

// upload sends bundle to the archive bucket and returns the object key,
// or "" when the upload could not be made.
func (p *Pipeline) upload(ctx context.Context, bundle string) string {
	u := p.uploader
	if u == nil {
		a := p.cfg.Archive
		archiver, err := store.NewArchiver(ctx, store.S3Config{
			Bucket:          a.Bucket,
			Prefix:          a.Prefix,
			Region:          a.Region,
			Endpoint:        a.Endpoint,
			AccessKeyID:     a.AccessKeyID,
			SecretAccessKey: a.SecretAccessKey,
			UsePathStyle:    a.UsePathStyle,
		}, p.logger)
		if err != nil {
			p.warnf("archive: %v", err)
			return ""
		}
		u = archiver
	}

	fmt.Fprintf(p.stderr, "[*] Uploading evidence package to %s...\n", p.cfg.Archive.Bucket)
	key, err := u.Upload(ctx, bundle, p.hostname)
	if err != nil {
		p.warnf("archive upload: %v", err)
		return ""
	}
	return key
}
