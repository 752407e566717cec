// Package s3test spins up an in-process fake S3 server for storage/s3's
// tests, adapted from jrhy-mast's persist/s3test client harness: same
// gofakes3 + s3mem backend, same optional real-endpoint escape hatch for
// running the suite against an actual bucket in CI.
package s3test

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http/httptest"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Client returns an S3 client backed by a fresh bucket, a teardown func
// to call when done, and the bucket name. If PDS_TEST_S3_ENDPOINT is
// set, it talks to that real endpoint instead of spinning up a fake.
func Client() (client *s3.S3, bucket string, closer func()) {
	closer = func() {}
	if os.Getenv("PDS_TEST_S3_ENDPOINT") != "" {
		config := aws.Config{
			Credentials: credentials.NewStaticCredentials(
				getEnv("AWS_ACCESS_KEY_ID"),
				getEnv("AWS_SECRET_ACCESS_KEY"),
				getEnvOrDefault("AWS_SESSION_TOKEN", ""),
			),
			Endpoint:         aws.String(getEnv("PDS_TEST_S3_ENDPOINT")),
			Region:           aws.String(getEnv("AWS_DEFAULT_REGION")),
			S3ForcePathStyle: aws.Bool(true),
		}
		sess, err := session.NewSession(&config)
		if err != nil {
			panic(err)
		}
		client = s3.New(sess)
	} else {
		backend := s3mem.New()
		faker := gofakes3.New(backend)
		ts := httptest.NewServer(faker.Server())
		closer = ts.Close

		s3Config := &aws.Config{
			Credentials: credentials.NewStaticCredentials(
				"TEST-ACCESSKEYID", "TEST-SECRETACCESSKEY", "",
			),
			Endpoint:         aws.String(ts.URL),
			Region:           aws.String("ca-west-1"),
			DisableSSL:       aws.Bool(true),
			S3ForcePathStyle: aws.Bool(true),
		}
		client = s3.New(session.New(s3Config))
	}

	bucket = randBucketName()
	if _, err := client.CreateBucket(&s3.CreateBucketInput{Bucket: &bucket}); err != nil {
		panic(err)
	}
	return client, bucket, closer
}

func getEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("environment %q unset", key))
	}
	return v
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func randBucketName() string {
	i, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("bucket-%s", i)
}
