package repo

import (
	"context"
	"database/sql"

	"reviewline/internal/domain"
)

const versionCols = `id,instance_id,number,status,parent_version_id,rev,submitted_by,submitted_at,reviewed_by,reviewed_at,rejection_reason,created_at`

func scanVersion(scan func(dest ...any) error) (domain.Version, error) {
	var v domain.Version
	var parent, subBy, subAt, revBy, revAt, reason sql.NullString
	err := scan(&v.ID, &v.InstanceID, &v.Number, &v.Status, &parent, &v.Rev, &subBy, &subAt, &revBy, &revAt, &reason, &v.CreatedAt)
	if err != nil {
		return v, err
	}
	v.ParentVersionID = strPtr(parent)
	v.SubmittedBy = strPtr(subBy)
	v.SubmittedAt = strPtr(subAt)
	v.ReviewedBy = strPtr(revBy)
	v.ReviewedAt = strPtr(revAt)
	v.RejectionReason = strPtr(reason)
	return v, nil
}

func (r Repo) InsertVersionTx(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO versions(`+versionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.InstanceID, v.Number, v.Status, nullableStringPtr(v.ParentVersionID), v.Rev,
		nullableStringPtr(v.SubmittedBy), nullableStringPtr(v.SubmittedAt),
		nullableStringPtr(v.ReviewedBy), nullableStringPtr(v.ReviewedAt),
		nullableStringPtr(v.RejectionReason), v.CreatedAt)
	return err
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.Version, error) {
	return r.GetVersionTx(ctx, nil, id)
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Version, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE id=?`, id)
	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) ListVersions(ctx context.Context, instanceID string) ([]domain.Version, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionCols+` FROM versions WHERE instance_id=? ORDER BY number ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// LiveVersionTx returns the instance's draft or pending version, if any.
func (r Repo) LiveVersionTx(ctx context.Context, tx *sql.Tx, instanceID string) (domain.Version, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE instance_id=? AND status IN (?,?)`,
		instanceID, domain.VersionDraft, domain.VersionPendingApproval)
	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

// CurrentVersionTx returns the instance's approved version, if any.
func (r Repo) CurrentVersionTx(ctx context.Context, tx *sql.Tx, instanceID string) (domain.Version, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE instance_id=? AND status=?`,
		instanceID, domain.VersionApproved)
	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) NextVersionNumberTx(ctx context.Context, tx *sql.Tx, instanceID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(number),0)+1 FROM versions WHERE instance_id=?`, instanceID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateVersionTx writes back a version guarded by its previous rev. The
// statement bumps rev; a false return means another writer got there first.
func (r Repo) UpdateVersionTx(ctx context.Context, tx *sql.Tx, v domain.Version, fromRev int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE versions SET status=?, rev=rev+1, submitted_by=?, submitted_at=?, reviewed_by=?, reviewed_at=?, rejection_reason=? WHERE id=? AND rev=?`,
		v.Status, nullableStringPtr(v.SubmittedBy), nullableStringPtr(v.SubmittedAt),
		nullableStringPtr(v.ReviewedBy), nullableStringPtr(v.ReviewedAt),
		nullableStringPtr(v.RejectionReason), v.ID, fromRev)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchVersionTx bumps a version's rev without changing anything else, used
// when item-level mutations must invalidate concurrent readers.
func (r Repo) TouchVersionTx(ctx context.Context, tx *sql.Tx, id string, fromRev int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE versions SET rev=rev+1 WHERE id=? AND rev=?`, id, fromRev)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SupersedePreviousTx marks the instance's previously approved version
// superseded, making room for a newly approved one.
func (r Repo) SupersedePreviousTx(ctx context.Context, tx *sql.Tx, instanceID, exceptVersionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE versions SET status=?, rev=rev+1 WHERE instance_id=? AND status=? AND id<>?`,
		domain.VersionSuperseded, instanceID, domain.VersionApproved, exceptVersionID)
	return err
}

// VersionCounts fills the derived item counters. Approved/rejected follow the
// items' effective outcome, second track winning over first.
func (r Repo) VersionCounts(ctx context.Context, tx *sql.Tx, versionID string) (total, approved, rejected int, err error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN COALESCE(second_outcome, first_outcome)=? THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN COALESCE(second_outcome, first_outcome)=? THEN 1 ELSE 0 END),0)
		FROM items WHERE version_id=?`, domain.OutcomeApprove, domain.OutcomeReject, versionID)
	err = row.Scan(&total, &approved, &rejected)
	return
}

// UndecidedFirstCount counts items with no first-track outcome yet.
func (r Repo) UndecidedFirstCount(ctx context.Context, tx *sql.Tx, versionID string) (int, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE version_id=? AND first_outcome IS NULL`, versionID)
	var n int
	err := row.Scan(&n)
	return n, err
}

// --- items ---

const itemCols = `id,version_id,category,payload_json,provenance,source_item_id,first_outcome,first_notes,first_by,first_at,second_outcome,second_notes,second_by,second_at,created_at`

func scanItem(scan func(dest ...any) error) (domain.Item, error) {
	var it domain.Item
	var cat, src, fo, fn, fb, fa, so, sn, sb, sa sql.NullString
	err := scan(&it.ID, &it.VersionID, &cat, &it.PayloadJSON, &it.Provenance, &src,
		&fo, &fn, &fb, &fa, &so, &sn, &sb, &sa, &it.CreatedAt)
	if err != nil {
		return it, err
	}
	if cat.Valid {
		it.Category = cat.String
	}
	it.SourceItemID = strPtr(src)
	it.FirstOutcome = strPtr(fo)
	it.FirstNotes = strPtr(fn)
	it.FirstBy = strPtr(fb)
	it.FirstAt = strPtr(fa)
	it.SecondOutcome = strPtr(so)
	it.SecondNotes = strPtr(sn)
	it.SecondBy = strPtr(sb)
	it.SecondAt = strPtr(sa)
	return it, nil
}

func (r Repo) InsertItemTx(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO items(`+itemCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.VersionID, nullable(it.Category), it.PayloadJSON, it.Provenance, nullableStringPtr(it.SourceItemID),
		nullableStringPtr(it.FirstOutcome), nullableStringPtr(it.FirstNotes), nullableStringPtr(it.FirstBy), nullableStringPtr(it.FirstAt),
		nullableStringPtr(it.SecondOutcome), nullableStringPtr(it.SecondNotes), nullableStringPtr(it.SecondBy), nullableStringPtr(it.SecondAt),
		it.CreatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return r.GetItemTx(ctx, nil, id)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE id=?`, id)
	it, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) ListItems(ctx context.Context, versionID string) ([]domain.Item, error) {
	return r.ListItemsTx(ctx, nil, versionID)
}

func (r Repo) ListItemsTx(ctx context.Context, tx *sql.Tx, versionID string) ([]domain.Item, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+itemCols+` FROM items WHERE version_id=? ORDER BY created_at, id`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// UpdateItemDecisionTx writes back one decision track of an item.
func (r Repo) UpdateItemDecisionTx(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	_, err := tx.ExecContext(ctx, `UPDATE items SET first_outcome=?, first_notes=?, first_by=?, first_at=?, second_outcome=?, second_notes=?, second_by=?, second_at=? WHERE id=?`,
		nullableStringPtr(it.FirstOutcome), nullableStringPtr(it.FirstNotes), nullableStringPtr(it.FirstBy), nullableStringPtr(it.FirstAt),
		nullableStringPtr(it.SecondOutcome), nullableStringPtr(it.SecondNotes), nullableStringPtr(it.SecondBy), nullableStringPtr(it.SecondAt),
		it.ID)
	return err
}

// SourceItemExistsTx reports whether the target version already carries an
// item copied from sourceItemID.
func (r Repo) SourceItemExistsTx(ctx context.Context, tx *sql.Tx, versionID, sourceItemID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE version_id=? AND source_item_id=?`, versionID, sourceItemID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
