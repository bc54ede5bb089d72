package backends

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"wagate/internal/backends/ddb"
	"wagate/internal/backends/file"
	sqlbackend "wagate/internal/backends/sql"
	"wagate/internal/config"
	"wagate/internal/ports"
	"wagate/internal/pub"
	"wagate/internal/types"

	redisbackend "wagate/internal/backends/redis"
)

const AmazonRootCA1PEM = `-----BEGIN CERTIFICATE-----
MIIDQTCCAimgAwIBAgITBmyfz5m/jAo54vB4ikPmljZbyjANBgkqhkiG9w0BAQsF
ADA5MQswCQYDVQQGEwJVUzEPMA0GA1UEChMGQW1hem9uMRkwFwYDVQQDExBBbWF6
b24gUm9vdCBDQSAxMB4XDTE1MDUyNjAwMDAwMFoXDTM4MDExNzAwMDAwMFowOTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoTBkFtYXpvbjEZMBcGA1UEAxMQQW1hem9uIFJv
b3QgQ0EgMTCCASIwDQYJKoZIhvcNAQEBBQADggEPADCCAQoCggEBALJ4gHHKeNXj
ca9HgFB0fW7Y14h29Jlo91ghYPl0hAEvrAIthtOgQ3pOsqTQNroBvo3bSMgHFzZM
9O6II8c+6zf1tRn4SWiw3te5djgdYZ6k/oI2peVKVuRF4fn9tBb6dNqcmzU5L/qw
IFAGbHrQgLKm+a/sRxmPUDgH3KKHOVj4utWp+UhnMJbulHheb4mjUcAwhmahRWa6
VOujw5H5SNz/0egwLX0tdHA114gk957EWW67c4cX8jJGKLhD+rcdqsq08p8kDi1L
93FcXmn/6pUCyziKrlA4b9v7LWIbxcceVOF34GfID5yHI9Y/QCB/IIDEgEw+OyQm
jgSubJrIqg0CAwEAAaNCMEAwDwYDVR0TAQH/BAUwAwEB/zAOBgNVHQ8BAf8EBAMC
AYYwHQYDVR0OBBYEFIQYzIU07LwMlJQuCFmcx7IQTgoIMA0GCSqGSIb3DQEBCwUA
A4IBAQCY8jdaQZChGsV2USggNiMOruYou6r4lK5IpDB/G/wkjUu0yKGX9rbxenDI
U5PMCCjjmCXPI6T53iHTfIUJrU6adTrCC2qJeHZERxhlbI1Bjjt/msv0tadQ1wUs
N+gDS63pYaACbvXy8MWy7Vu33PqUXHeeE6V/Uq2V8viTO96LXFvKWlJbYK8U90vv
o/ufQJVtMVT8QtPHRh8jrdkPSHCa2XV4cdFyQzR1bldZwgJcJmApzyMZFo6IQ6XU
5MsI+yMRQ+hDKXJioaldXgjUkK642M4UwtBV8ob2xJNDd2ZhwLnoQdeXeGADbkpy
rqXRfboQnoZsG4q5WTP468SQvvG5
-----END CERTIFICATE-----`

// DeviceBackend constructs the Device Store selected by cfg.DeviceBackend.
func DeviceBackend(ctx context.Context, cfg config.Config) (ports.DeviceStore, error) {
	switch cfg.DeviceBackend {
	case config.DeviceBackendDDB:
		ddbClient, err := newDDBClient(ctx, cfg.DDBEndpoint)
		if err != nil {
			return nil, err
		}
		return ddb.NewDeviceStore(ctx, cfg.DDBTable, ddbClient)

	case config.DeviceBackendPostgres:
		db, err := sqlbackend.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, types.Err(types.ErrDataStoreAccess, err, "open postgres")
		}
		return sqlbackend.NewDeviceStore(db)

	case config.DeviceBackendSQLite:
		db, err := sqlbackend.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, types.Err(types.ErrDataStoreAccess, err, "open sqlite %s", cfg.SQLitePath)
		}
		return sqlbackend.NewDeviceStore(db)
	}
	return nil, types.Err(types.ErrInvalidBackend, nil, "device backend %q", cfg.DeviceBackend)
}

// SessionBackends constructs the session cache blob store and the auth material store
// selected by cfg.SessionBackend.
func SessionBackends(ctx context.Context, cfg config.Config) (ports.SessionBlobStore, ports.AuthStore, error) {
	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		redisClient, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return redisbackend.NewBlobStore(redisClient), redisbackend.NewAuthStore(redisClient), nil

	case config.SessionBackendFile:
		if err := os.MkdirAll(cfg.AuthDir(), 0o700); err != nil {
			return nil, nil, types.Err(types.ErrStorage, err, "create session dir %s", cfg.SessionDir)
		}
		return file.NewBlobStore(cfg.SessionFile()), file.NewAuthDir(cfg.AuthDir()), nil
	}
	return nil, nil, types.Err(types.ErrInvalidBackend, nil, "session backend %q", cfg.SessionBackend)
}

// Publisher returns the SNS lifecycle publisher, or nil when no topic is configured.
func Publisher(ctx context.Context, cfg config.Config) (ports.Publisher, error) {
	if cfg.SNSTopicArn == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.SNSEndpoint != "" {
			// local stack only
			o.BaseEndpoint = aws.String(cfg.SNSEndpoint)
			if o.Region == "" {
				o.Region = "us-east-1"
			}
			o.Credentials = credentials.NewStaticCredentialsProvider("test", "test", "")
		}
	})
	return pub.NewSNS(snsClient), nil
}

// newDDBClient creates a DynamoDB client. A non-empty endpoint points it at a local emulator.
func newDDBClient(ctx context.Context, endpoint string) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	ddbClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			// This is used for testing only locally
			o.BaseEndpoint = aws.String(endpoint)
			o.Region = getenv("AWS_REGION", "us-east-1")
			o.Credentials = credentials.NewStaticCredentialsProvider(
				getenv("AWS_ACCESS_KEY_ID", "x"),
				getenv("AWS_SECRET_ACCESS_KEY", "x"),
				"",
			)
		}
	})
	return ddbClient, nil
}

// newRedisClient creates and pings a Redis client.
func newRedisClient(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	var tlsConfig *tls.Config
	if rc.TLS {
		// Create a CA certificate pool and add our CA certificate
		caCerts := x509.NewCertPool()
		if !caCerts.AppendCertsFromPEM([]byte(AmazonRootCA1PEM)) {
			return nil, fmt.Errorf("failed to retrieve CA certificate")
		}
		tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    caCerts,
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:      fmt.Sprintf("%s:%s", rc.Host, rc.Port),
		Username:  rc.User,
		Password:  rc.Pass,
		DB:        rc.DB,
		TLSConfig: tlsConfig,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	log.WithField("addr", redisClient.Options().Addr).Info("connected to redis")
	return redisClient, nil
}

// getenv retrieves the value of the environment variable named by the key.
func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
