package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// SESConfig holds the AWS credentials for the SES sending path.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SESTransport sends through the SES v2 API. One transport serves every
// SES-provider mailbox; the From address selects the identity.
type SESTransport struct {
	client *sesv2.Client
	now    func() time.Time
}

// NewSESTransport builds the SES client with static credentials.
func NewSESTransport(ctx context.Context, cfg SESConfig) (*SESTransport, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESTransport{
		client: sesv2.NewFromConfig(awsCfg),
		now:    time.Now,
	}, nil
}

// Send submits the raw message so our own Message-ID header survives for
// reply threading.
func (t *SESTransport) Send(ctx context.Context, msg Message) (Result, error) {
	data, msgID := BuildRFC822(msg, t.now().UTC())

	_, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: data},
		},
	})
	if err != nil {
		return Result{}, classifySESError(err)
	}
	return Result{MessageID: msgID}, nil
}

// classifySESError maps SES API failures to the retry split: throttling
// and transient service trouble retry, rejected messages and bad
// identities do not.
func classifySESError(err error) *DeliveryError {
	var badEmail *types.BadRequestException
	var rejected *types.MessageRejected
	var notFound *types.NotFoundException
	if errors.As(err, &badEmail) || errors.As(err, &rejected) || errors.As(err, &notFound) {
		return &DeliveryError{Temporary: false, Stage: "ses", Message: err.Error()}
	}

	var tooMany *types.TooManyRequestsException
	var unavailable *types.SendingPausedException
	if errors.As(err, &tooMany) || errors.As(err, &unavailable) {
		return &DeliveryError{Temporary: true, Stage: "ses", Message: err.Error()}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorFault() {
		case smithy.FaultClient:
			return &DeliveryError{Temporary: false, Stage: "ses", Message: err.Error()}
		default:
			return &DeliveryError{Temporary: true, Stage: "ses", Message: err.Error()}
		}
	}
	return &DeliveryError{Temporary: true, Stage: "ses", Message: err.Error()}
}
