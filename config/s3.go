package config

import (
	"fmt"
	"log"

	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	AuthMethodAccessKey          = "access_key"
	AuthMethodIAMRole            = "iam_role"
	AuthMethodAWSCredentialsFile = "aws_credentials_file"
)

// IsValidS3AuthMethod reports whether method names a supported way of
// obtaining S3 credentials.
func IsValidS3AuthMethod(method string) bool {
	switch method {
	case AuthMethodAccessKey, AuthMethodIAMRole, AuthMethodAWSCredentialsFile:
		return true
	}
	return false
}

// S3CloudStorageConfig stores the configuration of an S3 bulk store
// backend.
type S3CloudStorageConfig struct {
	Endpoint                 string `yaml:"endpoint"`
	Bucket                   string `yaml:"bucket"`
	Prefix                   string `yaml:"prefix"`
	AuthMethod               string `yaml:"auth_method"`
	AccessKeyID              string `yaml:"access_key_id"`
	SecretAccessKey          string `yaml:"secret_access_key"`
	DisableSSL               bool   `yaml:"disable_ssl"`
	IAMRoleEndpoint          string `yaml:"iam_role_endpoint"`
	Region                   string `yaml:"region"`
	AWSProfile               string `yaml:"aws_profile"`
	AWSSharedCredentialsFile string `yaml:"aws_shared_credentials_file"`
}

func (s3c S3CloudStorageConfig) GetCredentials() (*credentials.Credentials, error) {
	if s3c.AuthMethod == AuthMethodAWSCredentialsFile {
		log.Println("S3 Credentials: using AWS credentials file.")
		return credentials.NewFileAWSCredentials(s3c.AWSSharedCredentialsFile, s3c.AWSProfile), nil
	} else if s3c.AuthMethod == AuthMethodAccessKey {
		if s3c.AccessKeyID == "" {
			return nil, fmt.Errorf("missing s3.access_key_id for s3.auth_method = '%s'", AuthMethodAccessKey)
		}
		if s3c.SecretAccessKey == "" {
			return nil, fmt.Errorf("missing s3.secret_access_key for s3.auth_method = '%s'", AuthMethodAccessKey)
		}
		log.Println("S3 Credentials: using access/secret access key.")
		return credentials.NewStaticV4(s3c.AccessKeyID, s3c.SecretAccessKey, ""), nil
	} else if s3c.AuthMethod == AuthMethodIAMRole {
		// Fall back to getting credentials from IAM
		log.Println("S3 Credentials: using IAM.")
		return credentials.NewIAM(s3c.IAMRoleEndpoint), nil
	}

	return nil, fmt.Errorf("invalid s3.auth_method: %s", s3c.AuthMethod)
}
