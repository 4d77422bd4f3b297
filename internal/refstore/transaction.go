package refstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/git/catfile"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
)

// UpdateFlags modify how a single reference update is performed.
type UpdateFlags uint

const (
	// UpdateNoDeref updates a symbolic reference itself instead of the reference it points to.
	UpdateNoDeref UpdateFlags = 1 << iota
	// UpdateForceCreateReflog writes a reflog entry regardless of the logging policy.
	UpdateForceCreateReflog
	// UpdateLogOnly only writes a reflog entry without touching the reference.
	UpdateLogOnly
	// UpdateSkipOIDVerification skips checking that the new object exists.
	UpdateSkipOIDVerification
	// UpdateSkipRefnameVerification skips checking the reference name's format.
	UpdateSkipRefnameVerification
	// UpdateViaHead marks updates which have been split off an update of HEAD.
	UpdateViaHead

	updateHaveNew
	updateHaveOld

	publicUpdateFlags = UpdateNoDeref | UpdateForceCreateReflog | UpdateLogOnly |
		UpdateSkipOIDVerification | UpdateSkipRefnameVerification | UpdateViaHead
)

// Update is a single queued reference update.
type Update struct {
	RefName git.ReferenceName
	// NewOID is the new value. The zero object ID deletes the reference.
	NewOID git.ObjectID
	// OldOID is the expected old value. The zero object ID expects the reference to be absent.
	OldOID  git.ObjectID
	Flags   UpdateFlags
	Message string
}

// HasNew tells whether the update sets a new value.
func (u Update) HasNew() bool {
	return u.Flags&updateHaveNew != 0
}

// HasOld tells whether the update verifies the old value.
func (u Update) HasOld() bool {
	return u.Flags&updateHaveOld != 0
}

type update struct {
	Update

	group *group
	bare  git.ReferenceName

	// exists tells whether the reference existed when the transaction was prepared, current is
	// the object it resolved to at that point.
	exists   bool
	symbolic bool
	current  git.ObjectID
	peeled   git.ObjectID
	staged   bool
	// followsReferent is set for log-only updates which mirror the update of another
	// reference. They are only logged if that reference changes.
	followsReferent bool
}

func (u *update) isDeletion() bool {
	return u.HasNew() && u.Flags&UpdateLogOnly == 0 && u.NewOID.IsZeroOID()
}

func (u *update) isCreation() bool {
	return u.HasNew() && u.Flags&UpdateLogOnly == 0 && !u.NewOID.IsZeroOID() && !u.exists
}

// group holds the updates routed to a single stack along with the addition locking it.
type group struct {
	stack    *reftable.Stack
	addition *reftable.Addition
	updates  []*update
}

type transactionState int

const (
	stateOpen transactionState = iota
	statePreparing
	statePrepared
	stateCommitting
	stateAborting
	stateClosed
)

// Transaction is a batch of reference updates which are committed together. Updates routed to the
// same stack are committed atomically. Updates spanning the main stack and worktree stacks are
// committed stack by stack, so a failure may leave earlier stacks committed.
type Transaction struct {
	store   *Store
	state   transactionState
	updates []*update
	groups  []*group
	started time.Time
}

// NewTransaction starts a new transaction.
func (s *Store) NewTransaction() *Transaction {
	return &Transaction{
		store:   s,
		started: time.Now(),
	}
}

// Update queues an update of the reference to newOID. If oldOID is not empty, the update only
// succeeds if the reference currently points to it.
func (t *Transaction) Update(name git.ReferenceName, newOID, oldOID git.ObjectID, flags UpdateFlags, msg string) error {
	if newOID == "" {
		return fmt.Errorf("update of '%s' without new value", name)
	}

	flags = flags&publicUpdateFlags | updateHaveNew
	if oldOID != "" {
		flags |= updateHaveOld
	}

	return t.queue(Update{RefName: name, NewOID: newOID, OldOID: oldOID, Flags: flags, Message: msg})
}

// Create queues the creation of a reference which must not exist yet.
func (t *Transaction) Create(name git.ReferenceName, newOID git.ObjectID, flags UpdateFlags, msg string) error {
	return t.Update(name, newOID, t.store.opts.HashFormat.ZeroOID, flags, msg)
}

// Delete queues the deletion of a reference. If oldOID is not empty, the reference must currently
// point to it.
func (t *Transaction) Delete(name git.ReferenceName, oldOID git.ObjectID, flags UpdateFlags, msg string) error {
	return t.Update(name, t.store.opts.HashFormat.ZeroOID, oldOID, flags, msg)
}

// Verify queues a check that the reference currently points to oldOID. The empty or zero object
// ID verifies that the reference does not exist.
func (t *Transaction) Verify(name git.ReferenceName, oldOID git.ObjectID, flags UpdateFlags) error {
	if oldOID == "" {
		oldOID = t.store.opts.HashFormat.ZeroOID
	}

	return t.queue(Update{
		RefName: name,
		OldOID:  oldOID,
		Flags:   flags&publicUpdateFlags | updateHaveOld,
	})
}

func (t *Transaction) queue(u Update) error {
	switch t.state {
	case stateOpen:
	case statePrepared:
		return ErrTransactionPrepared
	default:
		return ErrTransactionClosed
	}

	if u.Flags&UpdateSkipRefnameVerification == 0 {
		if err := validateRefName(u.RefName, u.HasNew() && !u.NewOID.IsZeroOID()); err != nil {
			return err
		}
	}

	hash := t.store.opts.HashFormat
	for _, oid := range []git.ObjectID{u.NewOID, u.OldOID} {
		if oid != "" && !oid.IsZeroOID() {
			if err := hash.ValidateHex(oid.String()); err != nil {
				return fmt.Errorf("update of '%s': %w", u.RefName, err)
			}
		}
	}

	t.updates = append(t.updates, &update{Update: u})
	return nil
}

// validateRefName checks the name of a reference to be written. Deletions only require the name to
// be safe so that references with malformed names can be removed.
func validateRefName(name git.ReferenceName, creating bool) error {
	bare := git.ClassifyReference(name).Name.String()

	if !creating {
		if !git.IsSafeReferenceName(bare) {
			return &MalformedNameError{RefName: name, Err: errors.New("unsafe reference name")}
		}
		return nil
	}

	if err := git.ValidateReferenceName(name.String(), git.AllowOneLevel); err != nil {
		return &MalformedNameError{RefName: name, Err: err}
	}
	if !strings.HasPrefix(bare, "refs/") && !git.IsRootReferenceSyntax(bare) {
		return &MalformedNameError{RefName: name, Err: errors.New("not a root reference")}
	}

	return nil
}

// Updates returns the updates of the transaction. After preparing, this includes the updates
// which have been derived from symbolic references.
func (t *Transaction) Updates() []Update {
	updates := make([]Update, 0, len(t.updates))
	for _, u := range t.updates {
		updates = append(updates, u.Update)
	}
	return updates
}

// Prepare locks all stacks touched by the transaction and verifies every update. On failure, all
// locks are released and the transaction is closed.
func (t *Transaction) Prepare(ctx context.Context) (returnedErr error) {
	switch t.state {
	case stateOpen:
	case statePrepared:
		return nil
	default:
		return ErrTransactionClosed
	}

	t.state = statePreparing
	defer func() {
		if returnedErr != nil {
			t.release()
			t.state = stateClosed
			t.store.metrics.transactionsTotal.WithLabelValues("failed").Inc()
		}
	}()

	stacks := make([]*reftable.Stack, len(t.updates))
	for i, u := range t.updates {
		stack, bare, err := t.store.stackFor(u.RefName)
		if err != nil {
			return err
		}
		stacks[i], u.bare = stack, bare

		for j := 0; j < i; j++ {
			if stacks[j] == stack && t.updates[j].bare == bare {
				return duplicateUpdateError(u.RefName)
			}
		}
	}

	for i, u := range t.updates {
		if err := t.assign(u, stacks[i]); err != nil {
			return err
		}
	}

	headTarget, err := t.store.headTarget(ctx)
	if err != nil {
		return err
	}

	var explicitHead bool
	for _, u := range t.updates {
		if u.RefName == git.HEAD {
			explicitHead = true
		}
	}

	// Updates split off symbolic references are appended while iterating and get prepared too.
	for i := 0; i < len(t.updates); i++ {
		if err := t.followHead(t.updates[i], headTarget, explicitHead); err != nil {
			return err
		}
		if err := t.prepareUpdate(ctx, t.updates[i]); err != nil {
			return err
		}
	}

	if err := t.checkNewValues(ctx); err != nil {
		return err
	}

	t.state = statePrepared
	return nil
}

// assign routes the update to the group of its stack, locking the stack on first use.
func (t *Transaction) assign(u *update, stack *reftable.Stack) error {
	for _, g := range t.groups {
		if g.stack == stack {
			u.group = g
			g.updates = append(g.updates, u)
			return nil
		}
	}

	addition, err := stack.NewAddition()
	if err != nil {
		if errors.Is(err, reftable.ErrLock) {
			return lockError(u.RefName, err)
		}
		return engineError("locking stack", err)
	}

	g := &group{stack: stack, addition: addition, updates: []*update{u}}
	t.groups = append(t.groups, g)
	u.group = g

	return nil
}

// add appends a derived update to the transaction, locking its stack if required. It fails if the
// reference is updated already.
func (t *Transaction) add(u *update, symref git.ReferenceName) error {
	stack, bare, err := t.store.stackFor(u.RefName)
	if err != nil {
		return err
	}
	u.bare = bare

	for _, existing := range t.updates {
		if existing.group.stack == stack && existing.bare == bare {
			return duplicateSymrefUpdateError(u.RefName, symref)
		}
	}

	if err := t.assign(u, stack); err != nil {
		return err
	}

	t.updates = append(t.updates, u)
	return nil
}

// followHead queues a log-only update of HEAD if the update directly changes the branch HEAD
// points to, such that HEAD's reflog follows the branch.
func (t *Transaction) followHead(u *update, headTarget git.ReferenceName, explicitHead bool) error {
	if headTarget == "" || u.RefName != headTarget || !u.HasNew() ||
		u.Flags&(UpdateLogOnly|UpdateNoDeref|UpdateViaHead) != 0 {
		return nil
	}

	if explicitHead {
		return &NameConflictError{
			RefName:            git.HEAD,
			ConflictingRefName: headTarget,
			msg: fmt.Sprintf("multiple updates for 'HEAD' (including one via its referent '%s') are not allowed",
				headTarget),
		}
	}

	head := &update{
		Update: Update{
			RefName: git.HEAD,
			NewOID:  u.NewOID,
			Flags:   u.Flags&^updateHaveOld | UpdateLogOnly | UpdateNoDeref,
			Message: u.Message,
		},
		followsReferent: true,
	}
	return t.add(head, headTarget)
}

// prepareUpdate reads the current value of the reference, splits updates of symbolic references,
// verifies the expected old value and decides whether the update needs to be written.
func (t *Transaction) prepareUpdate(ctx context.Context, u *update) error {
	raw, err := t.store.readRaw(u.group.stack, u.bare)
	switch {
	case err == nil:
		u.exists = true
	case errors.Is(err, git.ErrReferenceNotFound):
	default:
		return err
	}

	if u.exists && raw.IsSymbolic() {
		u.symbolic = true

		if u.current, err = t.store.resolveOID(ctx, raw.SymbolicTarget); err != nil {
			if errors.Is(err, ErrSymrefTooDeep) {
				return &PreconditionError{Kind: PreconditionUnresolvable, RefName: u.RefName}
			}
			return err
		}

		if u.Flags&UpdateNoDeref == 0 {
			flags := u.Flags
			if u.RefName == git.HEAD {
				flags |= UpdateViaHead
			}

			referent := &update{
				Update: Update{
					RefName: raw.SymbolicTarget,
					NewOID:  u.NewOID,
					OldOID:  u.OldOID,
					Flags:   flags,
					Message: u.Message,
				},
			}
			if err := t.add(referent, u.RefName); err != nil {
				return err
			}

			// The referent's update verifies the old value.
			u.Flags = u.Flags&^updateHaveOld | UpdateLogOnly | UpdateNoDeref
			u.followsReferent = true
			u.staged = u.HasNew()
			return nil
		}
	} else if u.exists {
		u.current = raw.OID
	}

	if u.HasOld() {
		switch {
		case u.OldOID.IsZeroOID() && u.exists:
			return &PreconditionError{Kind: PreconditionShouldNotExist, RefName: u.RefName, Expected: u.OldOID, Actual: u.current}
		case u.OldOID.IsZeroOID():
		case !u.exists || u.current == "":
			return &PreconditionError{Kind: PreconditionMissing, RefName: u.RefName, Expected: u.OldOID}
		case !u.current.Equal(u.OldOID):
			return &PreconditionError{Kind: PreconditionStale, RefName: u.RefName, Expected: u.OldOID, Actual: u.current}
		}
	}

	switch {
	case !u.HasNew():
	case u.Flags&UpdateLogOnly != 0:
		u.staged = true
	case u.symbolic:
		// Overwriting a symbolic reference always changes it.
		u.staged = true
	default:
		u.staged = !u.NewOID.Equal(u.current)
	}

	return nil
}

// checkNewValues verifies that created references do not conflict with existing ones and that new
// values point to valid objects.
func (t *Transaction) checkNewValues(ctx context.Context) error {
	deleted := map[git.ReferenceName]bool{}
	var created []git.ReferenceName
	for _, u := range t.updates {
		switch {
		case !u.staged:
		case u.isDeletion():
			deleted[u.RefName] = true
		case u.isCreation():
			created = append(created, u.RefName)
		}
	}

	for _, u := range t.updates {
		if !u.staged || u.Flags&UpdateLogOnly != 0 || u.NewOID.IsZeroOID() {
			continue
		}

		if u.isCreation() {
			if err := t.store.checkAvailable(ctx, u.RefName, deleted, created); err != nil {
				return err
			}
		}

		if err := t.checkObject(ctx, u); err != nil {
			return err
		}
	}

	return nil
}

func (t *Transaction) checkObject(ctx context.Context, u *update) error {
	objects := t.store.opts.Objects
	if objects == nil {
		return nil
	}

	if u.Flags&UpdateSkipOIDVerification == 0 {
		info, err := objects.Info(ctx, u.NewOID.Revision())
		if err != nil {
			if catfile.IsNotFound(err) {
				return &InvalidNewValueError{
					RefName: u.RefName,
					OID:     u.NewOID,
					msg:     fmt.Sprintf("trying to write ref '%s' with nonexistent object %s", u.RefName, u.NewOID),
				}
			}
			return fmt.Errorf("looking up object: %w", err)
		}

		if _, isBranch := u.RefName.Branch(); isBranch && !info.IsCommit() {
			return &InvalidNewValueError{
				RefName: u.RefName,
				OID:     u.NewOID,
				msg:     fmt.Sprintf("trying to write non-commit object %s to branch '%s'", u.NewOID, u.RefName),
			}
		}
	}

	peeled, err := t.store.peel(ctx, u.NewOID)
	if err != nil {
		return err
	}
	u.peeled = peeled

	return nil
}

// peel returns the object an annotated tag peels to. It returns the empty object ID if the object
// is not a tag or unknown.
func (s *Store) peel(ctx context.Context, oid git.ObjectID) (git.ObjectID, error) {
	if s.opts.Objects == nil {
		return "", nil
	}

	info, err := s.opts.Objects.Info(ctx, oid.Revision()+"^{}")
	if err != nil {
		if catfile.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("peeling object: %w", err)
	}

	if info.Oid == oid {
		return "", nil
	}
	return info.Oid, nil
}

// checkAvailable verifies that name can be created without a directory/file conflict with an
// existing reference or one of the created references. References listed in deleted are ignored.
func (s *Store) checkAvailable(ctx context.Context, name git.ReferenceName, deleted map[git.ReferenceName]bool, created []git.ReferenceName) error {
	components := strings.Split(name.String(), "/")
	for i := 1; i < len(components); i++ {
		prefix := git.ReferenceName(strings.Join(components[:i], "/"))
		if deleted[prefix] {
			continue
		}

		if _, err := s.ReadRawRef(ctx, prefix); err == nil {
			return unavailableError(name, prefix)
		} else if !errors.Is(err, git.ErrReferenceNotFound) {
			return err
		}
	}

	stack, bare, err := s.stackFor(name)
	if err != nil {
		return err
	}
	if err := stack.Reload(); err != nil {
		return engineError("reload", err)
	}

	iter := stack.Merged().SeekRef(bare.String() + "/")
	for {
		record, ok := iter.Next()
		if !ok {
			break
		}

		existing := git.ReferenceName(record.RefName)
		if !deleted[existing] && !deleted[name[:len(name)-len(bare)]+existing] {
			return unavailableError(name, existing)
		}
	}

	for _, other := range created {
		if other.HasPrefix(name.String()+"/") || name.HasPrefix(other.String()+"/") {
			return unavailableError(name, other)
		}
	}

	return nil
}

// Commit prepares the transaction if required and then writes all updates. The segments of all
// stacks are written before the first stack is committed.
func (t *Transaction) Commit(ctx context.Context) (returnedErr error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "refstore.Transaction.Commit")
	defer span.Finish()

	if t.state == stateOpen {
		if err := t.Prepare(ctx); err != nil {
			return err
		}
	}
	if t.state != statePrepared {
		return ErrTransactionClosed
	}

	t.state = stateCommitting
	defer func() {
		t.release()
		t.state = stateClosed

		result := "committed"
		if returnedErr != nil {
			result = "failed"
		}
		t.store.metrics.transactionsTotal.WithLabelValues(result).Inc()
		t.store.metrics.transactionLatency.Observe(time.Since(t.started).Seconds())
	}()

	committer, err := t.store.committer()
	if err != nil {
		return err
	}

	for _, g := range t.groups {
		if err := t.writeGroup(g, committer); err != nil {
			return engineError("writing segment", err)
		}
	}

	for _, g := range t.groups {
		if err := g.addition.Commit(); err != nil {
			return engineError("committing addition", err)
		}
	}

	span.SetTag("updates", len(t.updates))
	t.store.logger(ctx).WithFields(map[string]interface{}{
		"updates": len(t.updates),
		"units":   len(t.groups),
	}).Debug("committed reference transaction")

	return nil
}

func (t *Transaction) writeGroup(g *group, committer git.Signature) error {
	ts := g.addition.NextUpdateIndex()

	return g.addition.Add(func(w *reftable.Writer) error {
		w.SetLimits(ts, ts)

		for _, u := range g.updates {
			if !u.staged {
				continue
			}

			if u.Flags&UpdateLogOnly == 0 {
				record, err := refRecord(u.bare, ts, u.NewOID, u.peeled)
				if err != nil {
					return err
				}
				if err := w.AddRef(record); err != nil {
					return err
				}
			}

			if u.isDeletion() {
				tombstones, err := logTombstones(g.stack, u.bare)
				if err != nil {
					return err
				}
				if err := w.AddLogs(tombstones); err != nil {
					return err
				}
				continue
			}

			if u.NewOID.Equal(u.current) && (u.Flags&UpdateLogOnly == 0 || u.followsReferent) {
				continue
			}

			shouldLog, err := t.store.shouldLog(g.stack, u.bare, u.Flags)
			if err != nil {
				return err
			}
			if !shouldLog {
				continue
			}

			log, err := logRecord(u.bare, ts, u.current, u.NewOID, committer, u.Message)
			if err != nil {
				return err
			}
			if err := w.AddLog(log); err != nil {
				return err
			}
		}

		return nil
	})
}

func refRecord(name git.ReferenceName, ts uint64, oid, peeled git.ObjectID) (reftable.RefRecord, error) {
	if oid.IsZeroOID() {
		return reftable.NewDeletion(name.String(), ts), nil
	}

	value, err := oid.Bytes()
	if err != nil {
		return reftable.RefRecord{}, err
	}

	if peeled == "" {
		return reftable.NewVal1(name.String(), ts, value), nil
	}

	peeledValue, err := peeled.Bytes()
	if err != nil {
		return reftable.RefRecord{}, err
	}

	return reftable.NewVal2(name.String(), ts, value, peeledValue), nil
}

func logRecord(name git.ReferenceName, ts uint64, oldOID, newOID git.ObjectID, committer git.Signature, msg string) (reftable.LogRecord, error) {
	oldValue, err := oldOID.Bytes()
	if err != nil {
		return reftable.LogRecord{}, err
	}
	newValue, err := newOID.Bytes()
	if err != nil {
		return reftable.LogRecord{}, err
	}

	log := reftable.LogRecord{
		RefName:     name.String(),
		UpdateIndex: ts,
		ValueType:   reftable.LogUpdate,
		Old:         oldValue,
		New:         newValue,
		Message:     normalizeMessage(msg),
	}
	log.SetSignature(committer)

	return log, nil
}

// normalizeMessage collapses whitespace such that messages fit onto a single line.
func normalizeMessage(msg string) string {
	return strings.Join(strings.Fields(msg), " ")
}

// shouldLog decides whether an update of the reference gets a reflog entry.
func (s *Store) shouldLog(stack *reftable.Stack, name git.ReferenceName, flags UpdateFlags) (bool, error) {
	if flags&UpdateForceCreateReflog != 0 {
		return true, nil
	}

	policy := s.opts.LogAllRefUpdates
	if policy == LogRefUpdatesDefault {
		policy = LogRefUpdatesTrue
		if s.opts.Bare {
			policy = LogRefUpdatesFalse
		}
	}

	switch policy {
	case LogRefUpdatesAlways:
		return true, nil
	case LogRefUpdatesTrue:
		if name == git.HEAD {
			return true, nil
		}
		for _, prefix := range []string{"refs/heads/", "refs/remotes/", "refs/notes/"} {
			if name.HasPrefix(prefix) {
				return true, nil
			}
		}
	}

	return reflogExists(stack, name), nil
}

// Abort releases all locks without writing anything.
func (t *Transaction) Abort(ctx context.Context) {
	if t.state == stateClosed || t.state == stateCommitting {
		return
	}

	t.state = stateAborting
	t.release()
	t.state = stateClosed
	t.store.metrics.transactionsTotal.WithLabelValues("aborted").Inc()
}

func (t *Transaction) release() {
	for _, g := range t.groups {
		g.addition.Destroy()
	}
}

// UpdateRef updates a single reference. The old value is verified unless it is empty.
func (s *Store) UpdateRef(ctx context.Context, name git.ReferenceName, newOID, oldOID git.ObjectID, msg string) error {
	tx := s.NewTransaction()
	if err := tx.Update(name, newOID, oldOID, 0, msg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteRefs deletes all given references in a single transaction.
func (s *Store) DeleteRefs(ctx context.Context, msg string, names ...git.ReferenceName) error {
	tx := s.NewTransaction()
	for _, name := range names {
		if err := tx.Delete(name, "", 0, msg); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
