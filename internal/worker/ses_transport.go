package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/relay/internal/domain"
)

// sesAPI is the subset of the SES v2 client the transport uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends through AWS SES v2. Credentials map to
// Identity=access key ID, Secret=secret access key and Endpoint=region
// (falling back to the configured region). The envelope sender must be a
// verified SES identity, so SES deployments set transport.from_address.
type SESTransport struct {
	region    string
	newClient func(ctx context.Context, creds domain.Credentials, region string) (sesAPI, error)
}

// NewSESTransport creates an SES transport with a default region.
func NewSESTransport(region string) *SESTransport {
	if region == "" {
		region = "us-east-1"
	}
	return &SESTransport{region: region, newClient: newSESClient}
}

func newSESClient(ctx context.Context, creds domain.Credentials, region string) (sesAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.Identity, creds.Secret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sesv2.NewFromConfig(cfg), nil
}

func (t *SESTransport) Name() string { return string(domain.TransportSES) }

func (t *SESTransport) Open(ctx context.Context, creds domain.Credentials) (Session, error) {
	if creds.Identity == "" || creds.Secret == "" {
		return nil, fmt.Errorf("SES needs an access key and secret")
	}
	region := creds.Endpoint
	if region == "" {
		region = t.region
	}
	client, err := t.newClient(ctx, creds, region)
	if err != nil {
		return nil, err
	}
	return &sesSession{client: client}, nil
}

type sesSession struct {
	client sesAPI
}

func (s *sesSession) Deliver(ctx context.Context, env Envelope) (string, error) {
	from := env.From
	if env.FromName != "" {
		from = fmt.Sprintf("%s <%s>", headerValue(env.FromName), env.From)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{string(env.To)}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(env.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(env.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("SES send: %w", err)
	}
	if result.MessageId != nil {
		return *result.MessageId, nil
	}
	return "", nil
}

func (s *sesSession) Close() error { return nil }
