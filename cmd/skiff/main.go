// Command skiff is a small object-storage client: make and remove buckets,
// upload, download, list, stat, and presign against any S3-compatible
// endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"skiff/pkg/skiff"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: skiff [flags] <command> [args]

commands:
  mb <bucket>                    make a bucket
  rb <bucket>                    remove a bucket
  ls [bucket [prefix]]           list buckets or objects
  put <bucket> <file...>         upload one or more files
  get <bucket> <object> <file>   download an object
  rm <bucket> <object>           remove an object
  stat <bucket> <object>         show object metadata
  presign <bucket> <object>      print a presigned GET URL

flags:
`)
	flag.PrintDefaults()
}

func Run(ctx context.Context) error {

	endpoint := flag.String("endpoint", "localhost:9000", "endpoint host[:port]")
	accessKey := flag.String("access-key", os.Getenv("SKIFF_ACCESS_KEY"), "access key (or SKIFF_ACCESS_KEY)")
	secretKey := flag.String("secret-key", os.Getenv("SKIFF_SECRET_KEY"), "secret key (or SKIFF_SECRET_KEY)")
	secure := flag.Bool("secure", false, "use https")
	credsFile := flag.String("credentials-file", "", "load keys from a shared-credentials file")
	profile := flag.String("profile", "", "credentials file profile (default \"default\")")
	trace := flag.Bool("trace", false, "dump wire traffic to stderr")

	flag.Usage = usage
	flag.Parse()

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})

	slog.SetDefault(slog.New(handler))

	if flag.NArg() < 1 {
		usage()
		return fmt.Errorf("no command given")
	}

	if *credsFile != "" {
		creds, err := skiff.LoadCredentialsFile(*credsFile, *profile)
		if err != nil {
			return err
		}
		*accessKey = creds.AccessKey
		*secretKey = creds.SecretKey
	}

	host, port, err := splitEndpoint(*endpoint)
	if err != nil {
		return err
	}

	client, err := skiff.New(skiff.Config{
		Endpoint:   host,
		Port:       port,
		Secure:     *secure,
		AccessKey:  *accessKey,
		SecretKey:  *secretKey,
		AppName:    "skiff-cli",
		AppVersion: skiff.Version,
	})
	if err != nil {
		return err
	}

	if *trace {
		client.TraceOn(os.Stderr)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "mb":
		return makeBucket(ctx, client, args)
	case "rb":
		return removeBucket(ctx, client, args)
	case "ls":
		return list(ctx, client, args)
	case "put":
		return putFiles(ctx, client, args)
	case "get":
		return getFile(ctx, client, args)
	case "rm":
		return removeObject(ctx, client, args)
	case "stat":
		return statObject(ctx, client, args)
	case "presign":
		return presign(ctx, client, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func splitEndpoint(endpoint string) (string, int, error) {
	host := endpoint
	port := 0
	if i := strings.LastIndexByte(endpoint, ':'); i != -1 {
		host = endpoint[:i]
		parsed, err := strconv.Atoi(endpoint[i+1:])
		if err != nil {
			return "", 0, fmt.Errorf("invalid endpoint port in %q: %w", endpoint, err)
		}
		port = parsed
	}
	return host, port, nil
}

func makeBucket(ctx context.Context, client *skiff.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("mb needs a bucket name")
	}
	if err := client.MakeBucket(ctx, args[0], "", ""); err != nil {
		return err
	}
	slog.Info("Created bucket", "bucket", args[0])
	return nil
}

func removeBucket(ctx context.Context, client *skiff.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("rb needs a bucket name")
	}
	if err := client.RemoveBucket(ctx, args[0]); err != nil {
		return err
	}
	slog.Info("Removed bucket", "bucket", args[0])
	return nil
}

func list(ctx context.Context, client *skiff.Client, args []string) error {
	if len(args) == 0 {
		buckets, err := client.ListBuckets(ctx)
		if err != nil {
			return err
		}
		for _, b := range buckets {
			fmt.Printf("%s  %s\n", b.CreationDate.Format(time.RFC3339), b.Name)
		}
		return nil
	}

	bucket := args[0]
	prefix := ""
	if len(args) > 1 {
		prefix = args[1]
	}

	for info := range client.ListObjects(ctx, bucket, prefix, true) {
		if info.Err != nil {
			return info.Err
		}
		fmt.Printf("%s  %10s  %s\n", info.LastModified.Format(time.RFC3339), humanize.IBytes(uint64(info.Size)), info.Key)
	}
	return nil
}

// putFiles uploads each named file under its base name, a few at a time.
func putFiles(ctx context.Context, client *skiff.Client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("put needs a bucket and at least one file")
	}
	bucket := args[0]

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, path := range args[1:] {
		g.Go(func() error {
			object := filepath.Base(path)
			etag, err := client.FPutObject(ctx, bucket, object, path, "")
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			slog.Info("Uploaded", "file", path, "bucket", bucket, "object", object, "etag", etag)
			return nil
		})
	}
	return g.Wait()
}

func getFile(ctx context.Context, client *skiff.Client, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("get needs a bucket, an object, and a target path")
	}
	if err := client.FGetObject(ctx, args[0], args[1], args[2]); err != nil {
		return err
	}
	slog.Info("Downloaded", "bucket", args[0], "object", args[1], "file", args[2])
	return nil
}

func removeObject(ctx context.Context, client *skiff.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("rm needs a bucket and an object")
	}
	if err := client.RemoveObject(ctx, args[0], args[1]); err != nil {
		return err
	}
	slog.Info("Removed", "bucket", args[0], "object", args[1])
	return nil
}

func statObject(ctx context.Context, client *skiff.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("stat needs a bucket and an object")
	}
	stat, err := client.StatObject(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Key:           %s\n", stat.Key)
	fmt.Printf("Size:          %s (%d bytes)\n", humanize.IBytes(uint64(stat.Size)), stat.Size)
	fmt.Printf("ETag:          %s\n", stat.ETag)
	fmt.Printf("Content-Type:  %s\n", stat.ContentType)
	fmt.Printf("Last-Modified: %s\n", stat.LastModified)
	return nil
}

func presign(ctx context.Context, client *skiff.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("presign needs a bucket and an object")
	}
	u, err := client.PresignedGetObject(ctx, args[0], args[1], 7*24*3600)
	if err != nil {
		return err
	}
	fmt.Println(u)
	return nil
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("skiff failed", "err", err)
		os.Exit(1)
	}
}
