package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yuin/goldmark"
	"golang.org/x/sync/errgroup"

	"taleforge/internal"
	"taleforge/utils"
)

// Options configures a Pipeline
type Options struct {
	// LocalOrigin is the URL prefix of not-yet-published uploads, e.g. http://localhost:3001/uploads/
	LocalOrigin string
	// UploadDir is where files under LocalOrigin live on disk
	UploadDir string
	// RetryRounds is the number of extra rounds for still-failing uploads
	RetryRounds int
	// Progress, when set, is ticked once per settled illustration
	Progress internal.ProgressReporter
}

// OptionsFromConfig maps application config onto pipeline options
func OptionsFromConfig(config *internal.Config) Options {
	return Options{
		LocalOrigin: config.LocalOrigin,
		UploadDir:   config.UploadDir,
		RetryRounds: config.RetryRounds,
	}
}

// Pipeline prepares DRAFT chapters for review: it uploads pending
// illustrations, rewrites the body to content addresses and moves the chapter
// to UNDER_REVIEW, or leaves it untouched on failure.
type Pipeline struct {
	repo     internal.ChapterRepository
	gateway  internal.Gateway
	refs     *utils.LocalReferences
	rewriter *rewriter
	fileOps  *utils.FileOperations
	markdown goldmark.Markdown
	opts     Options
}

// New creates a pipeline over repo and gateway
func New(repo internal.ChapterRepository, gateway internal.Gateway, opts Options) *Pipeline {
	if opts.RetryRounds < 0 {
		opts.RetryRounds = 0
	}
	refs := utils.NewLocalReferences(opts.LocalOrigin, opts.UploadDir)
	return &Pipeline{
		repo:     repo,
		gateway:  gateway,
		refs:     refs,
		rewriter: &rewriter{refs: refs, urlFor: gateway.URLFor},
		fileOps:  utils.NewFileOperations(),
		markdown: goldmark.New(),
		opts:     opts,
	}
}

type pendingUpload struct {
	illustration internal.Illustration
	path         string
}

type uploadOutcome struct {
	upload  pendingUpload
	address string
	err     error
}

// RewriteChapterForPublish runs the publish rewrite for chapterID
func (p *Pipeline) RewriteChapterForPublish(ctx context.Context, chapterID string) (*internal.RewriteResult, error) {
	chapter, err := p.repo.LoadChapterWithIllustrations(ctx, chapterID)
	if err != nil {
		return nil, fmt.Errorf("load chapter %s: %w", chapterID, err)
	}
	if chapter.Status != internal.StatusDraft {
		return nil, internal.NewPipelineError(internal.KindInvalidTransition, chapterID,
			fmt.Sprintf("chapter is %s, only %s chapters can be submitted", chapter.Status, internal.StatusDraft))
	}

	result := &internal.RewriteResult{ChapterID: chapterID}

	uploads, skipped := p.partition(chapter)
	result.SkippedCount = skipped

	uploaded, failed, err := p.uploadAll(ctx, uploads)
	if err != nil {
		return nil, err
	}
	result.UploadedCount = len(uploaded)
	result.FailedCount = len(failed)

	if len(uploads) > 0 && len(uploaded) == 0 {
		pErr := internal.NewPipelineError(internal.KindAllImagesFailed, chapterID,
			fmt.Sprintf("none of %d illustrations could be uploaded", len(uploads)))
		for _, outcome := range failed {
			pErr.Paths = append(pErr.Paths, outcome.upload.path)
		}
		pErr.Cause = failed[len(failed)-1].err
		return nil, pErr
	}
	if len(failed) > 0 {
		internal.LogWarn("Chapter %s: %d of %d illustrations failed to upload and will be removed from the body",
			chapterID, len(failed), len(uploads))
	}

	body, stripped, err := p.rewriteBody(chapter, withAddresses(chapter.Illustrations, uploaded))
	if err != nil {
		return nil, err
	}
	result.StrippedCount = stripped

	published, err := p.render(chapter.Format, body)
	if err != nil {
		return nil, internal.NewPipelineError(internal.KindBodyUploadFailed, chapterID, "render markdown").WithCause(err)
	}
	address, err := p.gateway.UploadText(ctx, published)
	if err != nil {
		return nil, internal.NewPipelineError(internal.KindBodyUploadFailed, chapterID, "upload chapter body").WithCause(err)
	}

	err = p.repo.RunInTx(ctx, func(tx internal.ChapterTx) error {
		return p.commit(ctx, tx, chapter, uploaded, address, body)
	})
	if err != nil {
		return nil, err
	}
	result.ContentAddress = address

	internal.LogInfo("Chapter %s submitted for review as %s (%d uploaded, %d failed, %d skipped, %d stripped)",
		chapterID, result.ContentAddress, result.UploadedCount, result.FailedCount, result.SkippedCount, result.StrippedCount)
	return result, nil
}

// partition returns the pending illustrations that exist on disk, and how many
// pending ones were dropped because their file is missing
func (p *Pipeline) partition(chapter *internal.Chapter) ([]pendingUpload, int) {
	var uploads []pendingUpload
	skipped := 0

	for _, illustration := range chapter.Illustrations {
		if illustration.Addressed() {
			continue
		}
		path := p.refs.Resolve(illustration.LocalPath, illustration.FileName)
		if path == "" || !p.fileOps.FileExists(path) {
			internal.LogWarn("Chapter %s: illustration %s not found on disk (%s), skipping",
				chapter.ID, illustration.ID, illustration.LocalPath)
			skipped++
			continue
		}
		uploads = append(uploads, pendingUpload{illustration: illustration, path: path})
	}
	return uploads, skipped
}

// uploadAll uploads every pending illustration, then retries the still-failing
// subset for up to RetryRounds more rounds
func (p *Pipeline) uploadAll(ctx context.Context, uploads []pendingUpload) (map[string]string, []uploadOutcome, error) {
	uploaded := make(map[string]string, len(uploads))
	if len(uploads) == 0 {
		return uploaded, nil, nil
	}

	if p.opts.Progress != nil {
		p.opts.Progress.Start(len(uploads), "Uploading illustrations")
		defer p.opts.Progress.Finish()
	}

	remaining := uploads
	var failed []uploadOutcome
	for round := 0; round <= p.opts.RetryRounds && len(remaining) > 0; round++ {
		if round > 0 {
			internal.LogWarn("Retrying %d failed illustration uploads (round %d/%d)", len(remaining), round, p.opts.RetryRounds)
		}

		outcomes := p.uploadRound(ctx, remaining)
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		remaining, failed = nil, nil
		for _, outcome := range outcomes {
			if outcome.err != nil {
				internal.LogDebug("Illustration %s upload failed: %v", outcome.upload.illustration.ID, outcome.err)
				remaining = append(remaining, outcome.upload)
				failed = append(failed, outcome)
				continue
			}
			uploaded[outcome.upload.illustration.ID] = outcome.address
			if p.opts.Progress != nil {
				p.opts.Progress.Increment()
			}
		}
	}

	for _, outcome := range failed {
		internal.LogWarn("Illustration %s failed after %d rounds: %v", outcome.upload.illustration.ID, p.opts.RetryRounds+1, outcome.err)
		if p.opts.Progress != nil {
			p.opts.Progress.Increment()
		}
	}
	return uploaded, failed, nil
}

// uploadRound uploads every item concurrently and waits for all of them. One
// failure never cancels its siblings; concurrency is bounded by the gateway queue.
func (p *Pipeline) uploadRound(ctx context.Context, uploads []pendingUpload) []uploadOutcome {
	outcomes := make([]uploadOutcome, len(uploads))

	var group errgroup.Group
	for i, upload := range uploads {
		group.Go(func() error {
			address, err := p.uploadIllustration(ctx, upload)
			outcomes[i] = uploadOutcome{upload: upload, address: address, err: err}
			return nil
		})
	}
	_ = group.Wait()

	return outcomes
}

func (p *Pipeline) uploadIllustration(ctx context.Context, upload pendingUpload) (string, error) {
	file, err := os.Open(upload.path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	name := upload.illustration.FileName
	if name == "" {
		name = filepath.Base(upload.path)
	}
	return p.gateway.UploadBinary(ctx, name, file)
}

// commit runs inside the store transaction: it persists this run's addresses,
// checks that the persisted illustrations still produce the uploaded body and
// moves the chapter to UNDER_REVIEW. Any error rolls back every write.
func (p *Pipeline) commit(ctx context.Context, tx internal.ChapterTx, chapter *internal.Chapter, uploaded map[string]string, address, body string) error {
	for id, illustrationAddress := range uploaded {
		if err := tx.PersistIllustrationAddress(ctx, id, illustrationAddress); err != nil {
			return fmt.Errorf("persist address for illustration %s: %w", id, err)
		}
	}

	persisted, err := tx.ListIllustrations(ctx, chapter.ID)
	if err != nil {
		return fmt.Errorf("list illustrations: %w", err)
	}
	rebuilt, _, err := p.rewriteBody(chapter, persisted)
	if err != nil {
		return err
	}
	if rebuilt != body {
		return internal.NewPipelineError(internal.KindInvalidTransition, chapter.ID,
			"illustrations changed while the chapter body was uploading")
	}

	if err := tx.UpdateChapterStatus(ctx, chapter.ID, internal.StatusUnderReview, address, body); err != nil {
		if errors.Is(err, internal.ErrStatusConflict) {
			return internal.NewPipelineError(internal.KindInvalidTransition, chapter.ID,
				"chapter left DRAFT while it was being published").WithCause(err)
		}
		return fmt.Errorf("update chapter status: %w", err)
	}
	return nil
}

// rewriteBody strips references to unaddressed illustrations, rewrites the
// addressed ones and verifies that no local reference is left
func (p *Pipeline) rewriteBody(chapter *internal.Chapter, illustrations []internal.Illustration) (string, int, error) {
	mapping := make(map[string]string)
	var unaddressed []string
	for _, illustration := range illustrations {
		if illustration.LocalPath == "" {
			continue
		}
		if illustration.Addressed() {
			mapping[illustration.LocalPath] = illustration.ContentAddress
		} else {
			unaddressed = append(unaddressed, illustration.LocalPath)
		}
	}

	body, stripped := p.rewriter.Strip(chapter.Body, unaddressed)
	body, replaced := p.rewriter.Rewrite(body, mapping)

	if len(mapping) > 0 && replaced == 0 {
		pErr := internal.NewPipelineError(internal.KindRewriteIneffective, chapter.ID,
			fmt.Sprintf("%d stored illustration paths matched no body reference", len(mapping)))
		pErr.Paths = p.refs.Find(body)
		return "", 0, pErr
	}
	if p.refs.Contains(body) {
		pErr := internal.NewPipelineError(internal.KindUnresolvedReferences, chapter.ID,
			"body still references local uploads")
		pErr.Paths = p.refs.Find(body)
		return "", 0, pErr
	}
	return body, stripped, nil
}

// withAddresses returns a copy of illustrations with this run's uploads applied
func withAddresses(illustrations []internal.Illustration, uploaded map[string]string) []internal.Illustration {
	out := make([]internal.Illustration, len(illustrations))
	copy(out, illustrations)
	for i := range out {
		if address, ok := uploaded[out[i].ID]; ok {
			out[i].ContentAddress = address
		}
	}
	return out
}

// render converts markdown bodies to HTML for publication
func (p *Pipeline) render(format internal.BodyFormat, body string) (string, error) {
	if format != internal.FormatMarkdown {
		return body, nil
	}
	var buf bytes.Buffer
	if err := p.markdown.Convert([]byte(body), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
