package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/revspot-vision/internal/metrics"
	"github.com/amillerrr/revspot-vision/internal/notify"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

// RefineOptions controls how refined tags reach remote storage.
type RefineOptions struct {
	// Storage renames the remote copy of persisted entries.
	Storage storage.Client
	// TolerateRenameFailure keeps the refined tags locally when the remote
	// rename fails.
	TolerateRenameFailure bool
}

// ValidateFeedback rejects feedback shorter than models.MinFeedbackLength.
func ValidateFeedback(feedback string) error {
	if utf8.RuneCountInString(strings.TrimSpace(feedback)) < models.MinFeedbackLength {
		return models.ErrFeedbackTooShort
	}
	return nil
}

// Refine rewrites a tagged entry's tags using editor feedback. Entries held
// in remote storage are renamed first; the local tags change only after the
// rename succeeds unless opts tolerates rename failures. On failure the entry
// keeps its previous tags. The boolean reports whether the tags changed.
func (q *Queue) Refine(ctx context.Context, id, feedback string, opts RefineOptions) (bool, error) {
	ctx, span := tracer.Start(ctx, "refine-entry")
	defer span.End()
	span.SetAttributes(attribute.String("entry.id", id))

	if err := ValidateFeedback(feedback); err != nil {
		return false, err
	}
	feedback = strings.TrimSpace(feedback)

	if q.refiner == nil {
		return false, fmt.Errorf("%w: no refiner configured", models.ErrRefineFailed)
	}

	original, err := q.beginRefine(id)
	if err != nil {
		return false, err
	}
	defer q.endRefine(id)

	refined, err := retry(ctx, q.policy, "refine", func(ctx context.Context) (string, error) {
		return q.refiner.RefineTags(ctx, original.TagsOrEmpty(), feedback)
	})
	if err != nil {
		metrics.Refinements.WithLabelValues("failed").Inc()
		span.RecordError(err)
		return false, err
	}

	if original.RemoteFileID != "" {
		if err := q.renameRemote(ctx, original, refined, opts); err != nil {
			metrics.Refinements.WithLabelValues("rename_failed").Inc()
			span.RecordError(err)
			return false, err
		}
	}

	if err := q.update(id, func(e *models.VideoEntry) {
		e.Tags = models.StringPtr(refined)
	}); err != nil {
		return false, err
	}
	metrics.Refinements.WithLabelValues("success").Inc()

	entry, _ := q.Get(id)
	q.publish(ctx, notify.EventRetagged, entry)

	q.log.InfoContext(ctx, "Tags refined",
		"entryId", id,
		"original", original.TagsOrEmpty(),
		"refined", refined,
	)
	return true, nil
}

func (q *Queue) renameRemote(ctx context.Context, e models.VideoEntry, refined string, opts RefineOptions) error {
	var err error
	if opts.Storage == nil {
		err = fmt.Errorf("%w: %w", models.ErrRenameFailed, models.ErrNotAuthenticated)
	} else {
		name := remoteName(refined, e.Filename)
		_, err = retry(ctx, q.policy, "rename", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, opts.Storage.RenameFile(ctx, e.RemoteFileID, name)
		})
		if err != nil {
			err = fmt.Errorf("%w: %w", models.ErrRenameFailed, err)
		}
	}
	if err == nil {
		return nil
	}

	if opts.TolerateRenameFailure {
		q.log.WarnContext(ctx, "Remote rename failed, keeping refined tags locally",
			"entryId", e.ID,
			"remoteFileId", e.RemoteFileID,
			"error", err,
		)
		return nil
	}
	return err
}

// beginRefine checks the entry can be refined and marks it busy.
func (q *Queue) beginRefine(id string) (models.VideoEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return models.VideoEntry{}, models.ErrEntryNotFound
	}
	if t.entry.Status != models.StatusSuccess || !t.entry.HasTags() {
		return models.VideoEntry{}, fmt.Errorf("%w: status is %s", models.ErrNotRefinable, t.entry.Status)
	}
	if t.refining {
		return models.VideoEntry{}, fmt.Errorf("%w: refinement already in progress", models.ErrNotRefinable)
	}
	t.refining = true
	return t.entry, nil
}

func (q *Queue) endRefine(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.tasks[id]; ok {
		t.refining = false
	}
}
