// Command hlsingest-probe resolves an HLS manifest and prints the
// variant ladder, selected track info, and live/VOD duration, without
// attaching a real fMP4 demuxer. Useful for sanity-checking a manifest
// URL and a module's config file end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aminofox/hlsingest/pkg/cache"
	"github.com/aminofox/hlsingest/pkg/config"
	"github.com/aminofox/hlsingest/pkg/fragindex"
	"github.com/aminofox/hlsingest/pkg/ingest"
	"github.com/aminofox/hlsingest/pkg/logger"
	"github.com/aminofox/hlsingest/pkg/playlist"
	"github.com/aminofox/hlsingest/pkg/segment"
)

var (
	version = "dev"
	commit  = "none"
)

// noopDemuxer satisfies ingest.Demuxer without parsing any fMP4 boxes;
// it only records that the facade called each hook, for probe output.
type noopDemuxer struct {
	log logger.Logger
}

func (d *noopDemuxer) PopulateFragmentLookupTableFromSegments(entries []fragindex.FragmentEntry) {
	d.log.Debug("fragment lookup table seeded", logger.Int("entries", len(entries)))
}

func (d *noopDemuxer) AppendFragmentsToLookupTable(entries []fragindex.FragmentEntry, startSeconds float64) {
	d.log.Debug("fragments appended", logger.Int("entries", len(entries)))
}

func (d *noopDemuxer) RemoveOldFragmentsFromLookupTable(segmentIDs []uint64) {
	d.log.Debug("fragments removed", logger.Int("count", len(segmentIDs)))
}

func (d *noopDemuxer) ShiftFragmentTimes(offsetSeconds float64) {
	d.log.Debug("edit list offset applied", logger.Any("offset_seconds", offsetSeconds))
}

func (d *noopDemuxer) ReadMetadata(ctx context.Context) error {
	return nil
}

func (d *noopDemuxer) NormalizeStartTimestamp() {}

func (d *noopDemuxer) SetFragmentedSource(src ingest.ByteSource) {}

func formatResolution(r *playlist.Resolution) string {
	if r == nil {
		return "-"
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func main() {
	configFile := flag.String("config", "", "Path to config file (optional, defaults applied if omitted)")
	manifestURL := flag.String("manifest", "", "HLS manifest URL to probe (required)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hlsingest-probe %s (commit: %s)\n", version, commit)
		return
	}
	if *manifestURL == "" {
		fmt.Fprintln(os.Stderr, "missing required -manifest flag")
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := logger.NewDefaultLogger(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	client := &http.Client{Timeout: cfg.Fetch.SegmentTimeout}
	segCfg := segment.Config(cfg.SegmentConfig())

	opts := []ingest.Option{
		ingest.WithSegmentConfig(segCfg),
		ingest.WithLogger(log),
		ingest.WithRetryHook(ingest.DefaultRetryHook(cfg.Fetch.MaxRetries, cfg.Fetch.RetryBaseDelay)),
	}
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		idx := cache.NewRedisSegmentIndex(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.DefaultTTL)
		opts = append(opts, ingest.WithMetaIndex(idx))
	}

	in := ingest.NewInput(client, *manifestURL, opts...)
	defer in.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Fetch.InitTimeout)
	defer cancel()

	variants, err := in.ListVariants(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve manifest: %v\n", err)
		os.Exit(1)
	}

	if len(variants) == 0 {
		log.Info("manifest is a media playlist with no variant ladder")
	} else {
		log.Info("resolved variant ladder", logger.Int("variants", len(variants)))
		for _, v := range variants {
			fmt.Printf("  bandwidth=%-10d resolution=%-10s codecs=%s uri=%s\n",
				v.Bandwidth, formatResolution(v.Resolution), v.Codecs, v.URI)
		}
	}

	demuxer := &noopDemuxer{log: log}
	bindCtx, bindCancel := context.WithTimeout(context.Background(), cfg.Fetch.SegmentTimeout)
	defer bindCancel()
	if err := in.BindDemuxer(bindCtx, demuxer); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind demuxer: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("live=%v target_duration=%ds total_duration=%.2fs\n",
		in.IsLive(), in.TargetDuration(), in.ComputeDuration())

	if current := in.CurrentVariant(); current != nil {
		fmt.Printf("selected variant: bandwidth=%d resolution=%s\n", current.Bandwidth, formatResolution(current.Resolution))
	}

	start := time.Now()
	log.Info("probe complete", logger.Duration("elapsed", time.Since(start)))
}
