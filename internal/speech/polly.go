package speech

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
)

var _ Synthesizer = (*Polly)(nil)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyConfig configures Amazon Polly.
type PollyConfig struct {
	Region  string
	VoiceID string
	Engine  string
}

// Polly synthesizes MP3 through Amazon Polly. The AWS client is created
// lazily from the default credential chain.
type Polly struct {
	mu     sync.Mutex
	client synthClient
	cfg    PollyConfig
}

// NewPolly returns a synthesizer. client may be nil.
func NewPolly(cfg PollyConfig, client synthClient) *Polly {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = "Joanna"
	}
	if cfg.Engine == "" {
		cfg.Engine = "neural"
	}
	return &Polly{client: client, cfg: cfg}
}

func (p *Polly) Name() string   { return "polly" }
func (p *Polly) Format() string { return "mp3" }

func (p *Polly) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

func (p *Polly) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		client, err := p.resolveClient(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		engine := pollytypes.EngineStandard
		if p.cfg.Engine == "neural" {
			engine = pollytypes.EngineNeural
		}

		out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
			Engine:       engine,
			OutputFormat: pollytypes.OutputFormatMp3,
			Text:         aws.String(text),
			TextType:     pollytypes.TextTypeText,
			VoiceId:      pollytypes.VoiceId(p.cfg.VoiceID),
		})
		if err != nil {
			yield(nil, classifyPollyError(err))
			return
		}
		if out == nil || out.AudioStream == nil {
			yield(nil, errNoAudio)
			return
		}
		defer out.AudioStream.Close()

		readChunks(ctx, out.AudioStream, yield)
	}
}

func classifyPollyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("polly %s: %w", apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("polly: %w", err)
}
