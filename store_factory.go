package omutex

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	azurestore "pkt.systems/omutex/internal/storage/azure"
	"pkt.systems/omutex/internal/storage/disk"
	"pkt.systems/omutex/internal/storage/memory"
	"pkt.systems/omutex/internal/storage/s3"
)

// OpenStore builds a lock backend from a store URL. Supported schemes:
//
//	mem://                                     in-process map, for tests
//	disk:///var/lib/omutex                     local filesystem directory
//	s3://host[:port]/bucket[/prefix]           S3-compatible services (MinIO etc.)
//	aws://bucket[/prefix]?region=eu-north-1    AWS S3
//	azure://account/container[/prefix]         Azure Blob Storage
//
// Query parameters tune the object stores: s3:// accepts insecure=true and
// path-style=true, aws:// accepts region= and endpoint=, azure:// accepts
// key=, sas= and endpoint=. Credentials otherwise come from the conventional
// environment variables (AWS_*, MINIO_*, AZURE_STORAGE_*) or instance
// metadata.
func OpenStore(storeURL string) (Store, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
		return memory.New(), nil
	case "disk":
		root := u.Path
		if root == "" {
			root = u.Opaque
		}
		if strings.TrimSpace(root) == "" {
			return nil, fmt.Errorf("disk store missing path (expected disk:///path/to/dir)")
		}
		return disk.New(disk.Config{Root: root})
	case "s3":
		cfg, err := buildGenericS3Config(u)
		if err != nil {
			return nil, err
		}
		return s3.New(cfg)
	case "aws":
		cfg, err := buildAWSConfig(u)
		if err != nil {
			return nil, err
		}
		return s3.New(cfg)
	case "azure":
		cfg, err := buildAzureConfig(u)
		if err != nil {
			return nil, err
		}
		return azurestore.New(cfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func splitBucketPrefix(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/"), "/")
	parts := strings.SplitN(trimmed, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		return bucket, strings.Trim(parts[1], "/")
	}
	return bucket, ""
}

func queryBool(q url.Values, name string) bool {
	v := q.Get(name)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func buildGenericS3Config(u *url.URL) (s3.Config, error) {
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPrefix(u.Path)
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	q := u.Query()
	return s3.Config{
		Endpoint:       endpoint,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       queryBool(q, "insecure"),
		ForcePathStyle: queryBool(q, "path-style"),
	}, nil
}

func buildAWSConfig(u *url.URL) (s3.Config, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	q := u.Query()
	region := strings.TrimSpace(q.Get("region"))
	if region == "" {
		region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
	if region == "" {
		return s3.Config{}, fmt.Errorf("aws store requires region (set ?region= or AWS_REGION)")
	}
	endpoint := strings.TrimSpace(q.Get("endpoint"))
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", region)
	}
	var creds *minioCredentials.Credentials
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		creds = minioCredentials.NewStaticV4(access, os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_SESSION_TOKEN"))
	}
	return s3.Config{
		Endpoint:    endpoint,
		Region:      region,
		Bucket:      bucket,
		Prefix:      prefix,
		Insecure:    queryBool(q, "insecure"),
		CustomCreds: creds,
	}, nil
}

func buildAzureConfig(u *url.URL) (azurestore.Config, error) {
	account := strings.TrimSpace(u.Host)
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing account (expected azure://account/container[/prefix])")
	}
	container, prefix := splitBucketPrefix(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	q := u.Query()
	key := strings.TrimSpace(q.Get("key"))
	if key == "" {
		key = strings.TrimSpace(os.Getenv("AZURE_STORAGE_KEY"))
	}
	sas := strings.TrimSpace(q.Get("sas"))
	if sas == "" {
		sas = strings.TrimSpace(os.Getenv("AZURE_STORAGE_SAS_TOKEN"))
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: key,
		SASToken:   sas,
		Endpoint:   strings.TrimSpace(q.Get("endpoint")),
		Container:  container,
		Prefix:     prefix,
	}, nil
}
