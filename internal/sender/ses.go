package sender

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// SESAPI is the subset of *ses.Client the transport calls.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESTransport sends email through Amazon SES.
type SESTransport struct {
	client SESAPI
	from   string
}

func NewSESTransport(client SESAPI, from string) *SESTransport {
	return &SESTransport{client: client, from: from}
}

// NewSESTransportFromEnv builds an SES client from the default AWS credential chain.
func NewSESTransportFromEnv(ctx context.Context, region, from string) (*SESTransport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	// The SDK's own retryer would turn one attempt into several.
	client := ses.NewFromConfig(cfg, func(o *ses.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewSESTransport(client, from), nil
}

func (t *SESTransport) SendEmail(ctx context.Context, msg EmailMessage) (string, error) {
	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	out, err := t.client.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(t.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	})
	if err != nil {
		return "", classifySESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

func classifySESError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "Throttling", "ThrottlingException", "TooManyRequestsException":
		return domain.NewDeliveryError(domain.FailureRateLimited, 429, apiErr.ErrorMessage(), err)
	}
	return domain.NewDeliveryError(domain.FailureTransport, 0, apiErr.ErrorCode()+": "+apiErr.ErrorMessage(), err)
}

var _ EmailTransport = (*SESTransport)(nil)
