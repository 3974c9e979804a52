// Package inline rewrites cid: references in message bodies into handles
// the browser can load.
package inline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/backend"
	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// Options configures a Resolver.
type Options struct {
	Fetcher backend.AttachmentFetcher
	Blobs   *BlobStore
	Logger  *slog.Logger
	// Concurrency bounds parallel downloads per Resolve. Zero means 4.
	Concurrency int
}

// Resolver is the InlineContentResolver. It holds no per-view state;
// handles belong to the BlobStore under the owner named in each request.
type Resolver struct {
	fetcher     backend.AttachmentFetcher
	blobs       *BlobStore
	logger      *slog.Logger
	concurrency int
	downloads   singleflight.Group
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := opts.Concurrency
	if n <= 0 {
		n = 4
	}
	blobs := opts.Blobs
	if blobs == nil {
		blobs = NewBlobStore(BlobOptions{})
	}
	return &Resolver{
		fetcher:     opts.Fetcher,
		blobs:       blobs,
		logger:      logger.With("component", "inline"),
		concurrency: n,
	}
}

// Blobs returns the store handles are minted into.
func (r *Resolver) Blobs() *BlobStore { return r.blobs }

// Request is one body to resolve.
type Request struct {
	// Owner is the view the minted handles belong to.
	Owner       string
	DeskID      string
	HTML        string
	Attachments []protocol.Attachment
}

// Result is the rewritten body.
type Result struct {
	HTML string
	// Resolved maps each rewritten reference to its replacement.
	Resolved map[string]string
	// Unmatched references had no attachment and were left as is.
	Unmatched []string
	// Failed references matched an attachment that could not be fetched.
	// They are left as is too.
	Failed []string
}

// Resolve rewrites every matched reference in req.HTML. Unmatched or
// unfetchable references stay untouched. The only error is ctx ending.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	res := Result{HTML: req.HTML, Resolved: map[string]string{}}
	refs := References(req.HTML)
	if len(refs) == 0 {
		return res, nil
	}

	type job struct {
		ref string
		att protocol.Attachment
		url string
		err error
	}
	var jobs []*job
	for _, ref := range refs {
		att, ok := Match(ref, req.Attachments)
		if !ok {
			res.Unmatched = append(res.Unmatched, ref)
			continue
		}
		jobs = append(jobs, &job{ref: ref, att: att})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, j := range jobs {
		if j.att.StorageKey == "" {
			j.url = j.att.URL
			if j.url == "" {
				j.err = errors.Newf("attachment %s has neither storage key nor url", j.att.ID)
			}
			continue
		}
		g.Go(func() error {
			token, err := r.mint(gctx, req.Owner, req.DeskID, j.att)
			if err != nil {
				j.err = err
				return nil
			}
			j.url = r.blobs.URL(token)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{HTML: req.HTML}, errors.Wrap(err, "resolve inline content")
	}

	for _, j := range jobs {
		if j.err != nil {
			r.logger.Warn("inline attachment unavailable", "ref", j.ref, "attachment", j.att.ID, "error", j.err)
			res.Failed = append(res.Failed, j.ref)
			continue
		}
		res.Resolved[j.ref] = j.url
	}
	res.HTML = rewrite(req.HTML, res.Resolved)
	return res, nil
}

func (r *Resolver) mint(ctx context.Context, owner, deskID string, att protocol.Attachment) (string, error) {
	if r.fetcher == nil {
		return "", errors.New("no attachment fetcher configured")
	}
	v, err, _ := r.downloads.Do(deskID+"/"+att.StorageKey, func() (any, error) {
		return r.fetcher.DownloadByStorageKey(ctx, att.StorageKey, deskID)
	})
	if err != nil {
		return "", errors.Wrapf(err, "download %s", att.StorageKey)
	}
	return r.blobs.Mint(owner, deskID+"/"+att.StorageKey, att.ContentType, att.Filename, v.([]byte)), nil
}

// ResolveMessages resolves every message body for owner and returns
// rewritten copies. Messages without references are returned unchanged.
func (r *Resolver) ResolveMessages(ctx context.Context, owner, deskID string, msgs []protocol.Message) ([]protocol.Message, error) {
	out := make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.HTML == "" || !strings.Contains(strings.ToLower(m.HTML), "cid:") {
			continue
		}
		res, err := r.Resolve(ctx, Request{Owner: owner, DeskID: deskID, HTML: m.HTML, Attachments: m.Attachments})
		if err != nil {
			return nil, err
		}
		out[i].HTML = res.HTML
	}
	return out, nil
}

// Release drops the handles minted for owner.
func (r *Resolver) Release(owner string) int { return r.blobs.Release(owner) }

// Match finds the attachment for ref: exact id first, then normalized id,
// then the local part before '@' or ':'. The first attachment matching at
// the highest precedence wins.
func Match(ref string, atts []protocol.Attachment) (protocol.Attachment, bool) {
	raw := strings.TrimSpace(ref)
	if hasCIDPrefix(raw) {
		raw = raw[4:]
	}
	for _, a := range atts {
		if a.ContentID == raw || a.ID == raw {
			return a, true
		}
	}
	norm := Normalize(ref)
	if norm == "" {
		return protocol.Attachment{}, false
	}
	for _, a := range atts {
		if eqNorm(a.ContentID, norm) || eqNorm(a.ID, norm) {
			return a, true
		}
	}
	local := localPart(norm)
	if local == "" {
		return protocol.Attachment{}, false
	}
	for _, a := range atts {
		if eqLocal(a.ContentID, local) || eqLocal(a.ID, local) {
			return a, true
		}
	}
	return protocol.Attachment{}, false
}

func eqNorm(id, norm string) bool {
	return id != "" && strings.EqualFold(Normalize(id), norm)
}

func eqLocal(id, local string) bool {
	return id != "" && strings.EqualFold(localPart(Normalize(id)), local)
}
