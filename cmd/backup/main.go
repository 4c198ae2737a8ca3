package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"dataset-catalog/config"
	"dataset-catalog/storage"
)

// BackupConfig ergänzt die Katalog-Konfiguration um das Backup-Ziel.
type BackupConfig struct {
	BackupBucket string `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	BackupPrefix string `envconfig:"BACKUP_PREFIX" default:"backups/"`
	KeepBackups  int    `envconfig:"KEEP_BACKUPS" default:"4"`
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	logging.Info("Starting backup")

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}
	_ = godotenv.Load()
	var backup BackupConfig
	if err := envconfig.Process("", &backup); err != nil {
		logging.Fatal("Backup config load error", zap.Error(err))
	}

	ctx := context.Background()

	// 1. Datenbank-Dump erstellen
	dumpData, err := createDump(ctx, cfg)
	if err != nil {
		logging.Fatal("Database dump failed", zap.Error(err))
	}

	// 2. S3-Client erstellen
	client, err := storage.NewS3Client(ctx, cfg.S3URL, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}

	// 3. Backup hochladen
	key := backupKey(backup.BackupPrefix, time.Now())
	if err := upload(ctx, client, backup.BackupBucket, key, dumpData); err != nil {
		logging.Fatal("Backup upload failed", zap.Error(err))
	}
	logging.Info("Backup uploaded", zap.String("bucket", backup.BackupBucket), zap.String("key", key), zap.Int("bytes", len(dumpData)))

	// 4. Alte Backups rotieren
	if err := rotateBackups(ctx, client, backup, logging); err != nil {
		logging.Fatal("Backup rotation failed", zap.Error(err))
	}

	logging.Info("Backup finished")
}

func backupKey(prefix string, now time.Time) string {
	return fmt.Sprintf("%sbackup-%s.sql.gz", prefix, now.UTC().Format("2006-01-02T15-04-05Z"))
}

func createDump(ctx context.Context, cfg *config.Config) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", cfg.DBHost,
		"-p", fmt.Sprint(cfg.DBPort),
		"-U", cfg.DBUser,
		"-d", cfg.DBName,
		"-w", // Passwort kommt über PGPASSWORD
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", cfg.DBPassword))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzipWriter, stdout); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("pg_dump: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return buf.Bytes(), nil
}

func upload(ctx context.Context, client *s3.Client, bucket, key string, data []byte) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// expiredBackups liefert alle Objekte außer den keep neuesten.
func expiredBackups(objects []types.Object, keep int) []types.Object {
	if len(objects) <= keep {
		return nil
	}
	sorted := append([]types.Object(nil), objects...)
	sort.Slice(sorted, func(i, j int) bool {
		return aws.ToTime(sorted[i].LastModified).After(aws.ToTime(sorted[j].LastModified))
	})
	return sorted[keep:]
}

func rotateBackups(ctx context.Context, client *s3.Client, cfg BackupConfig, logging *zap.Logger) error {
	output, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.BackupBucket),
		Prefix: aws.String(cfg.BackupPrefix),
	})
	if err != nil {
		return err
	}

	expired := expiredBackups(output.Contents, cfg.KeepBackups)
	if len(expired) == 0 {
		logging.Info("No rotation needed", zap.Int("backups", len(output.Contents)), zap.Int("keep", cfg.KeepBackups))
		return nil
	}

	for _, obj := range expired {
		logging.Info("Deleting old backup", zap.String("key", aws.ToString(obj.Key)))
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.BackupBucket),
			Key:    obj.Key,
		})
		if err != nil {
			logging.Error("Deleting old backup failed", zap.String("key", aws.ToString(obj.Key)), zap.Error(err))
		}
	}

	return nil
}
