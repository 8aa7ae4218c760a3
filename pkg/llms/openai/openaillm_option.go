package openai

import (
	"net/http"
	"os"
	"time"
)

const (
	tokenEnvVarName        = "OPENAI_API_KEY"      //nolint:gosec
	modelEnvVarName        = "OPENAI_MODEL"        //nolint:gosec
	baseURLEnvVarName      = "OPENAI_BASE_URL"     //nolint:gosec
	organizationEnvVarName = "OPENAI_ORGANIZATION" //nolint:gosec
)

const (
	// DefaultBaseURL is the OpenAI API endpoint
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel is used when neither the option nor OPENAI_MODEL is set
	DefaultModel = "gpt-4o-mini"
	// DefaultTimeout is the deadline of one completion request
	DefaultTimeout = 30 * time.Second
)

type options struct {
	token        string
	model        string
	baseURL      string
	organization string
	httpClient   *http.Client
	timeout      time.Duration
	maxRetries   int
	temperature  *float64
	extraBody    map[string]any
}

// Option is a functional option for the OpenAI client.
type Option func(*options)

// WithToken passes the OpenAI API token to the client. If not set, the token
// is read from the OPENAI_API_KEY environment variable.
func WithToken(token string) Option {
	return func(opts *options) {
		opts.token = token
	}
}

// WithModel passes the OpenAI model to the client. If not set, the model
// is read from the OPENAI_MODEL environment variable.
func WithModel(model string) Option {
	return func(opts *options) {
		opts.model = model
	}
}

// WithBaseURL passes the base url to the client, for example
// https://dashscope.aliyuncs.com/compatible-mode/v1.
// If not set, the base url is read from the OPENAI_BASE_URL environment variable,
// and then defaults to https://api.openai.com/v1.
func WithBaseURL(baseURL string) Option {
	return func(opts *options) {
		opts.baseURL = baseURL
	}
}

// WithOrganization passes the OpenAI organization to the client. If not set, the
// organization is read from the OPENAI_ORGANIZATION.
func WithOrganization(organization string) Option {
	return func(opts *options) {
		opts.organization = organization
	}
}

// WithHTTPClient allows setting a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(opts *options) {
		opts.httpClient = client
	}
}

// WithTimeout sets the deadline of each request, the default is 30s.
func WithTimeout(timeout time.Duration) Option {
	return func(opts *options) {
		opts.timeout = timeout
	}
}

// WithMaxRetries sets the number of retries of a failed request, the default is 2.
func WithMaxRetries(n int) Option {
	return func(opts *options) {
		opts.maxRetries = n
	}
}

// WithTemperature sets the default temperature of requests,
// llms.WithTemperature on a call takes precedence.
func WithTemperature(temperature float64) Option {
	return func(opts *options) {
		opts.temperature = &temperature
	}
}

// WithExtraBody adds fields to every request body,
// such as {"enable_thinking": false} for DashScope qwen models.
func WithExtraBody(extra map[string]any) Option {
	return func(opts *options) {
		if opts.extraBody == nil {
			opts.extraBody = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			opts.extraBody[k] = v
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		token:        os.Getenv(tokenEnvVarName),
		model:        os.Getenv(modelEnvVarName),
		baseURL:      os.Getenv(baseURLEnvVarName),
		organization: os.Getenv(organizationEnvVarName),
		timeout:      DefaultTimeout,
		maxRetries:   2,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.baseURL == "" {
		o.baseURL = DefaultBaseURL
	}
	if o.model == "" {
		o.model = DefaultModel
	}
	return o
}
