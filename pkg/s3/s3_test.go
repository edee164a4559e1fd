package s3

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("S3_ENDPOINT", " minio:9000 ")
	t.Setenv("S3_ACCESS_KEY", "ak")
	t.Setenv("S3_SECRET_KEY", "sk")
	t.Setenv("S3_REGION", "")
	t.Setenv("S3_DISABLE_TLS", "true")
	t.Setenv("S3_FORCE_PATH_STYLE", "false")

	cfg := ConfigFromEnv()
	assert.Equal(t, Config{
		Endpoint:       "minio:9000",
		AccessKey:      "ak",
		SecretKey:      "sk",
		DisableTLS:     true,
		ForcePathStyle: false,
	}, cfg)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)

	_, err = NewClient(context.Background(), Config{Endpoint: "minio:9000"})
	require.Error(t, err)
}

func TestPresignGet(t *testing.T) {
	client, err := NewClient(context.Background(), Config{
		Endpoint:       "minio:9000",
		AccessKey:      "ak",
		SecretKey:      "sk",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	url, err := client.PresignGet(context.Background(), "carves", "carves/H1/1700000000/S1.tar", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://minio:9000/carves/carves/H1/1700000000/S1.tar?"), url)
	assert.Contains(t, url, "X-Amz-Expires=900")
}

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", got)

	_, err = encodeSHA256("")
	require.Error(t, err)
	_, err = encodeSHA256("zz")
	require.Error(t, err)
}
