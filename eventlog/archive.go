package eventlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"

	"github.com/lumenflow/lumenflow/types"
)

// ArchiveSink writes completed WU events into a Hive-partitioned dataset
// for long-term retention, independent of the primary JSONL log's bit-exact
// format (spec §6). Grounded on the teacher's lode.LodeClient/NewLodeS3Client:
// same WithHiveLayout/WithCodec(JSONLCodec) construction, same filesystem vs
// S3 factory split. Partition keys are event-type/lane/day instead of the
// teacher's source/category/day/run_id/event_type, since LumenFlow has no
// run concept.
type ArchiveSink struct {
	dataset lode.Dataset
}

// ArchiveDatasetID names the archival dataset.
const ArchiveDatasetID = "lumenflow-events"

// NewFileArchiveSink creates an ArchiveSink backed by local filesystem
// storage rooted at root.
func NewFileArchiveSink(root string) (*ArchiveSink, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(ArchiveDatasetID),
		lode.NewFSFactory(root),
		lode.WithHiveLayout("event_type", "lane", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: create archive dataset: %w", err)
	}
	return &ArchiveSink{dataset: ds}, nil
}

// S3ArchiveConfig configures the S3-backed archival sink.
type S3ArchiveConfig struct {
	Bucket string
	Prefix string
	Region string
}

// NewS3ArchiveSink creates an ArchiveSink backed by S3, using the AWS SDK's
// default credential chain (env vars, shared config, IAM role).
func NewS3ArchiveSink(ctx context.Context, cfg S3ArchiveConfig) (*ArchiveSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("eventlog: archive sink requires an S3 bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	factory := func() (lode.Store, error) {
		return lodes3.New(s3Client, lodes3.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	}

	ds, err := lode.NewDataset(
		lode.DatasetID(ArchiveDatasetID),
		factory,
		lode.WithHiveLayout("event_type", "lane", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: create S3 archive dataset: %w", err)
	}
	return &ArchiveSink{dataset: ds}, nil
}

// Archive writes events into the Hive-partitioned dataset, one record per
// event. Lane is sanitized for partition-path safety the same way a lane
// name is kebab-cased for lock file paths.
func (a *ArchiveSink) Archive(ctx context.Context, events []*types.WUEvent) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]any, 0, len(events))
	for _, ev := range events {
		records = append(records, map[string]any{
			"event_type": string(ev.Type),
			"lane":       partitionSafe(ev.Lane),
			"day":        ev.Timestamp.UTC().Format("2006-01-02"),
			"event_id":   ev.EventID,
			"wu_id":      ev.WUID,
			"timestamp":  ev.Timestamp.UTC().Format(time.RFC3339Nano),
			"payload":    ev,
		})
	}

	_, err := a.dataset.Write(ctx, records, lode.Metadata{})
	if err != nil {
		return fmt.Errorf("eventlog: archive write: %w", err)
	}
	return nil
}

func partitionSafe(s string) string {
	if s == "" {
		return "unassigned"
	}
	return strings.NewReplacer(" ", "_", ":", "", "/", "-").Replace(strings.ToLower(s))
}
