package admission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dripcheck/dripcheck/internal/generation"
	"github.com/dripcheck/dripcheck/internal/governance"
	"github.com/dripcheck/dripcheck/internal/governance/quota"
	"github.com/dripcheck/dripcheck/internal/identity"
	"github.com/dripcheck/dripcheck/internal/metrics"
	"github.com/dripcheck/dripcheck/internal/tokens"
	"github.com/dripcheck/dripcheck/internal/users"
)

type Identifier interface {
	Identify(ctx context.Context, claimedID, clientIP, userAgent string) (*users.User, identity.Outcome, error)
}

type Admitter interface {
	CheckAdmission(ctx context.Context, subj quota.Subject) (*quota.Admission, error)
	RecordUsage(ctx context.Context, in quota.UsageInput) error
	RecordFailure(ctx context.Context, in quota.FailureInput) error
}

type Wallet interface {
	Debit(ctx context.Context, userID string, amount int) (int, error)
}

type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) (generation.Image, error)
}

// Options tune the pipeline. TokensPerImage is what the user pays;
// LedgerTokens is what a generation counts for in the global ledger.
type Options struct {
	RequireUsername bool
	TokensPerImage  int
	LedgerTokens    int
	GatewayTimeout  time.Duration
	DefaultItemType string
}

// Request is one generate call as received from the extension.
type Request struct {
	BaseImage     string
	OverlayImage  string
	ItemTypeHint  string
	ClaimedUserID string
	ClientIP      string
	UserAgent     string
}

// Result is a served generation.
type Result struct {
	User    *users.User
	Image   generation.Image
	Balance int
}

type Pipeline struct {
	identifier Identifier
	admitter   Admitter
	wallet     Wallet
	fetcher    ImageFetcher
	gateway    generation.Gateway
	opts       Options
}

func NewPipeline(identifier Identifier, admitter Admitter, wallet Wallet, fetcher ImageFetcher, gateway generation.Gateway, opts Options) *Pipeline {
	if opts.TokensPerImage < 1 {
		opts.TokensPerImage = 1
	}
	if opts.LedgerTokens < 1 {
		opts.LedgerTokens = opts.TokensPerImage
	}
	if opts.DefaultItemType == "" {
		opts.DefaultItemType = generation.DefaultItemType
	}
	return &Pipeline{
		identifier: identifier,
		admitter:   admitter,
		wallet:     wallet,
		fetcher:    fetcher,
		gateway:    gateway,
		opts:       opts,
	}
}

// Run takes a request from identification to a generated image. Every
// terminal failure is returned as a *governance.Rejection. Failures after
// admission leave a zero-token usage record behind.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	res, err := p.run(ctx, req)
	if err != nil {
		outcome := "error"
		if rej, ok := governance.AsRejection(err); ok {
			outcome = string(rej.Kind)
		}
		metrics.AdmissionsTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}
	metrics.AdmissionsTotal.WithLabelValues("success").Inc()
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.BaseImage) == "" || strings.TrimSpace(req.OverlayImage) == "" {
		return nil, governance.Reject(governance.KindInvalidRequest, "baseImage and overlayImage are required")
	}

	user, _, err := p.identifier.Identify(ctx, req.ClaimedUserID, req.ClientIP, req.UserAgent)
	if err != nil {
		return nil, err
	}

	if p.opts.RequireUsername && !user.UsernameSet {
		return nil, governance.Reject(governance.KindUsernameRequired, "please set a username before generating")
	}

	if _, err := p.admitter.CheckAdmission(ctx, quota.Subject{UserID: user.UserID, ClientIP: req.ClientIP}); err != nil {
		return nil, err
	}

	if user.Tokens < p.opts.TokensPerImage {
		return nil, governance.RejectWithCounts(governance.KindNoTokensRemaining,
			"no tokens remaining, redeem a coupon to continue", user.Tokens, p.opts.TokensPerImage)
	}

	attempt := &attempt{p: p, user: user, req: req}

	base, overlay, err := p.fetchImages(ctx, req)
	if err != nil {
		return nil, attempt.fail(ctx, governance.KindGatewayError, "could not load the input images", err)
	}

	itemType := strings.TrimSpace(req.ItemTypeHint)
	if itemType == "" {
		itemType = p.opts.DefaultItemType
	}

	gen, err := p.generate(ctx, generation.Input{Base: base, Overlay: overlay, ItemTypeHint: itemType})
	if err != nil {
		return nil, attempt.fail(ctx, governance.KindGatewayError, "image generation failed, please try again", err)
	}

	switch gen.Kind {
	case generation.ResultPolicyBlock:
		return nil, attempt.fail(ctx, governance.KindPolicyBlocked,
			"the images were blocked by the content policy", errors.New(gen.Reason))
	case generation.ResultTextOnly:
		return nil, attempt.fail(ctx, governance.KindPolicyBlocked,
			"the model declined to produce an image", errors.New(gen.Text))
	}

	if bytes.Equal(gen.Image.Data, base.Data) {
		return nil, attempt.fail(ctx, governance.KindUnchangedImage,
			"the generated image is identical to the input", errors.New("unchanged image"))
	}

	return attempt.succeed(ctx, gen.Image), nil
}

func (p *Pipeline) fetchImages(ctx context.Context, req Request) (base, overlay generation.Image, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		img, err := p.fetcher.Fetch(gctx, req.BaseImage)
		if err != nil {
			return fmt.Errorf("fetching base image: %w", err)
		}
		base = img
		return nil
	})
	g.Go(func() error {
		img, err := p.fetcher.Fetch(gctx, req.OverlayImage)
		if err != nil {
			return fmt.Errorf("fetching overlay image: %w", err)
		}
		overlay = img
		return nil
	})
	if err := g.Wait(); err != nil {
		return generation.Image{}, generation.Image{}, err
	}
	return base, overlay, nil
}

func (p *Pipeline) generate(ctx context.Context, in generation.Input) (*generation.Result, error) {
	if p.opts.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.GatewayTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := p.gateway.Generate(ctx, in)
	label := "error"
	switch {
	case err == nil && res != nil:
		label = res.Kind.String()
	case errors.Is(err, context.DeadlineExceeded):
		label = "timeout"
	}
	metrics.GenerationDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, generation.ErrBadResponse
	}
	return res, nil
}

// attempt carries what the bookkeeping after an admitted request needs.
type attempt struct {
	p    *Pipeline
	user *users.User
	req  Request
}

// fail records a zero-token usage row and returns the rejection. The
// bookkeeping survives a client that has already gone away.
func (a *attempt) fail(ctx context.Context, kind governance.Kind, message string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	slog.Warn("generation failed", "user_id", a.user.UserID, "kind", kind, "error", cause)

	err := a.p.admitter.RecordFailure(ctx, quota.FailureInput{
		UserID:    a.user.UserID,
		Reason:    fmt.Sprintf("%s: %v", kind, cause),
		IPAddress: a.req.ClientIP,
		UserAgent: a.req.UserAgent,
		Metadata:  map[string]any{"item_type": a.req.ItemTypeHint},
	})
	if err != nil {
		slog.Error("recording failed generation", "error", err, "user_id", a.user.UserID)
	}
	return governance.Reject(kind, message)
}

// succeed debits the user and accounts the generation. Neither step can undo
// an image that has already been produced, so their errors are only logged.
func (a *attempt) succeed(ctx context.Context, img generation.Image) *Result {
	ctx = context.WithoutCancel(ctx)
	userID := a.user.UserID

	balance := a.user.Tokens - a.p.opts.TokensPerImage
	newBalance, err := a.p.wallet.Debit(ctx, userID, a.p.opts.TokensPerImage)
	switch {
	case err == nil:
		balance = newBalance
		metrics.TokensDebitedTotal.Add(float64(a.p.opts.TokensPerImage))
	case errors.Is(err, tokens.ErrInsufficientBalance):
		slog.Warn("debit after generation found no balance", "user_id", userID)
		balance = 0
	default:
		slog.Error("debiting tokens after generation", "error", err, "user_id", userID)
	}

	err = a.p.admitter.RecordUsage(ctx, quota.UsageInput{
		UserID:    userID,
		Tokens:    a.p.opts.LedgerTokens,
		IPAddress: a.req.ClientIP,
		UserAgent: a.req.UserAgent,
		Metadata:  map[string]any{"item_type": a.req.ItemTypeHint, "mime": img.MIME},
	})
	if err != nil {
		slog.Error("recording usage after generation", "error", err, "user_id", userID)
	}

	slog.Info("generation served", "user_id", userID, "balance", balance, "bytes", len(img.Data))

	a.user.Tokens = balance
	return &Result{User: a.user, Image: img, Balance: balance}
}
