package practice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mind-engage/nmcprep/internal/db"
)

type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
	now    func() time.Time
}

func NewSQLStore(h *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: h, driver: driver, now: time.Now}
}

const questionCols = `id,question_text,options_json,correct_letter,explanation,category,topic,is_ai_generated,is_edited,edited_at,created_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(r rowScanner) (Question, error) {
	var q Question
	var opts string
	var edited sql.NullInt64
	if err := r.Scan(&q.ID, &q.Text, &opts, &q.CorrectLetter, &q.Explanation, &q.Category, &q.Topic,
		&q.IsAIGenerated, &q.IsEdited, &edited, &q.CreatedAt, &q.Version); err != nil {
		return Question{}, err
	}
	if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
		return Question{}, fmt.Errorf("question %s: bad options: %w", q.ID, err)
	}
	if edited.Valid {
		v := edited.Int64
		q.EditedAt = &v
	}
	return q, nil
}

func (s *SQLStore) queryQuestions(ctx context.Context, query string, args ...any) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// where renders the filter as a WHERE clause starting at placeholder $1.
func (f Filter) where(extra ...string) (string, []any) {
	var conds []string
	var args []any
	if f.Category != "" {
		args = append(args, f.Category)
		conds = append(conds, fmt.Sprintf("category=$%d", len(args)))
	}
	if len(f.Topics) > 0 {
		conds = append(conds, "topic IN ("+db.Placeholders(len(args)+1, len(f.Topics))+")")
		for _, t := range f.Topics {
			args = append(args, t)
		}
	}
	conds = append(conds, extra...)
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) RandomQuestions(ctx context.Context, f Filter) ([]Question, error) {
	if f.Limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	where, args := f.where()
	args = append(args, f.Limit)
	return s.queryQuestions(ctx,
		`SELECT `+questionCols+` FROM questions`+where+fmt.Sprintf(` ORDER BY RANDOM() LIMIT $%d`, len(args)),
		args...)
}

func (s *SQLStore) CountQuestions(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`+where, args...).Scan(&n)
	return n, err
}

func (s *SQLStore) ListUnedited(ctx context.Context, f Filter) ([]Question, error) {
	where, args := f.where("is_edited = FALSE")
	q := `SELECT ` + questionCols + ` FROM questions` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.queryQuestions(ctx, q, args...)
}

// GetQuestions returns questions in the order of ids; unknown ids are skipped.
func (s *SQLStore) GetQuestions(ctx context.Context, ids []string) ([]Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	qs, err := s.queryQuestions(ctx,
		`SELECT `+questionCols+` FROM questions WHERE id IN (`+db.Placeholders(1, len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Question, len(qs))
	for _, q := range qs {
		byID[q.ID] = q
	}
	out := make([]Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := byID[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *SQLStore) InsertQuestions(ctx context.Context, qs []Question) error {
	now := s.now().Unix()
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, q := range qs {
			opts, err := json.Marshal(q.Options)
			if err != nil {
				return err
			}
			created := q.CreatedAt
			if created == 0 {
				created = now
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO questions
				(id,question_text,options_json,correct_letter,explanation,category,topic,is_ai_generated,is_edited,created_at,version)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1)
				ON CONFLICT (id) DO NOTHING`,
				q.ID, q.Text, string(opts), NormalizeLetter(q.CorrectLetter), q.Explanation, q.Category, q.Topic,
				q.IsAIGenerated, q.IsEdited, created); err != nil {
				return fmt.Errorf("insert question %s: %w", q.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) ApplyCorrections(ctx context.Context, cs []Correction) (ApplyResult, error) {
	var res ApplyResult
	now := s.now().Unix()
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res = ApplyResult{}
		for _, c := range cs {
			var letter, expl string
			var version int
			err := tx.QueryRowContext(ctx, `SELECT correct_letter,explanation,version FROM questions WHERE id=$1`, c.QuestionID).
				Scan(&letter, &expl, &version)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("question %s: %w", c.QuestionID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			// Version 0 means the caller did not read the row first.
			if c.Version != 0 && c.Version != version {
				res.Conflicts++
				continue
			}
			newLetter := NormalizeLetter(c.Letter)
			if letter == newLetter && expl == c.Explanation {
				res.Unchanged++
				continue
			}
			r, err := tx.ExecContext(ctx, `UPDATE questions
				SET correct_letter=$1, explanation=$2, is_edited=TRUE, edited_at=$3, version=version+1
				WHERE id=$4 AND version=$5`,
				newLetter, c.Explanation, now, c.QuestionID, version)
			if err != nil {
				return fmt.Errorf("update question %s: %w", c.QuestionID, err)
			}
			if n, _ := r.RowsAffected(); n == 0 {
				res.Conflicts++
				continue
			}
			res.Written++
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

func (s *SQLStore) UpdateExplanation(ctx context.Context, c Correction) (Question, error) {
	r, err := s.db.ExecContext(ctx, `UPDATE questions
		SET correct_letter=$1, explanation=$2, is_edited=TRUE, edited_at=$3, version=version+1
		WHERE id=$4 AND version=$5`,
		NormalizeLetter(c.Letter), c.Explanation, s.now().Unix(), c.QuestionID, c.Version)
	if err != nil {
		return Question{}, err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		if _, err := s.getQuestion(ctx, c.QuestionID); err != nil {
			return Question{}, err
		}
		return Question{}, ErrConflict
	}
	return s.getQuestion(ctx, c.QuestionID)
}

func (s *SQLStore) getQuestion(ctx context.Context, id string) (Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx, `SELECT `+questionCols+` FROM questions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, fmt.Errorf("question %s: %w", id, ErrNotFound)
	}
	return q, err
}

func (s *SQLStore) CreateSession(ctx context.Context, sess Session, items []SessionQuestion) error {
	topics, err := json.Marshal(sess.Topics)
	if err != nil {
		return err
	}
	if sess.Topics == nil {
		topics = []byte("[]")
	}
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO user_sessions
			(id,user_id,mode,category_selection,topics_json,total_questions,time_limit_seconds,started_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			sess.ID, sess.UserID, string(sess.Mode), sess.Category, string(topics), sess.TotalQuestions, sess.TimeLimitSec, sess.StartedAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, `INSERT INTO session_questions
				(session_id,question_id,position,correct_letter_snapshot)
				VALUES ($1,$2,$3,$4)`,
				sess.ID, it.QuestionID, it.Position, NormalizeLetter(it.CorrectLetter)); err != nil {
				return fmt.Errorf("insert session question %d: %w", it.Position, err)
			}
		}
		return nil
	})
}

const sessionCols = `id,user_id,mode,category_selection,topics_json,total_questions,time_limit_seconds,started_at,ended_at,score`

func scanSession(r rowScanner) (Session, error) {
	var sess Session
	var mode, topics string
	var ended, score sql.NullInt64
	if err := r.Scan(&sess.ID, &sess.UserID, &mode, &sess.Category, &topics, &sess.TotalQuestions,
		&sess.TimeLimitSec, &sess.StartedAt, &ended, &score); err != nil {
		return Session{}, err
	}
	sess.Mode = Mode(mode)
	if err := json.Unmarshal([]byte(topics), &sess.Topics); err != nil {
		sess.Topics = nil
	}
	if ended.Valid {
		v := ended.Int64
		sess.EndedAt = &v
	}
	if score.Valid {
		v := int(score.Int64)
		sess.Score = &v
	}
	return sess, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM user_sessions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

func (s *SQLStore) ListSessions(ctx context.Context, opts ListOpts) ([]Session, error) {
	q := `SELECT ` + sessionCols + ` FROM user_sessions WHERE user_id=$1`
	args := []any{opts.UserID}
	switch opts.Status {
	case "in_progress":
		q += ` AND ended_at IS NULL`
	case "ended":
		q += ` AND ended_at IS NOT NULL`
	}
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, opts.Offset)
	q += ` ORDER BY started_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) SessionItems(ctx context.Context, sessionID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sq.session_id, sq.question_id, sq.position, sq.correct_letter_snapshot,
			sq.user_answer_letter, sq.is_correct,
			q.id,q.question_text,q.options_json,q.correct_letter,q.explanation,q.category,q.topic,
			q.is_ai_generated,q.is_edited,q.edited_at,q.created_at,q.version
		FROM session_questions sq JOIN questions q ON q.id = sq.question_id
		WHERE sq.session_id=$1
		ORDER BY sq.position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		var answer sql.NullString
		var correct sql.NullBool
		var opts string
		var edited sql.NullInt64
		q := &it.Question
		if err := rows.Scan(&it.SessionID, &it.QuestionID, &it.Position, &it.CorrectLetter, &answer, &correct,
			&q.ID, &q.Text, &opts, &q.CorrectLetter, &q.Explanation, &q.Category, &q.Topic,
			&q.IsAIGenerated, &q.IsEdited, &edited, &q.CreatedAt, &q.Version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
			return nil, fmt.Errorf("question %s: bad options: %w", q.ID, err)
		}
		if edited.Valid {
			v := edited.Int64
			q.EditedAt = &v
		}
		if answer.Valid {
			v := answer.String
			it.AnswerLetter = &v
		}
		if correct.Valid {
			v := correct.Bool
			it.IsCorrect = &v
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveSessionAnswers(ctx context.Context, sessionID string, rows []SessionQuestion) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var ended sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT ended_at FROM user_sessions WHERE id=$1`, sessionID).Scan(&ended)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if ended.Valid {
			return ErrEnded
		}
		for _, r := range rows {
			var answer any
			if r.AnswerLetter != nil {
				answer = NormalizeLetter(*r.AnswerLetter)
			}
			var correct any
			if r.IsCorrect != nil {
				correct = *r.IsCorrect
			}
			res, err := tx.ExecContext(ctx, `UPDATE session_questions
				SET user_answer_letter=$1, is_correct=$2
				WHERE session_id=$3 AND position=$4`,
				answer, correct, sessionID, r.Position)
			if err != nil {
				return fmt.Errorf("save answer %d: %w", r.Position, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("session question %d: %w", r.Position, ErrNotFound)
			}
		}
		return nil
	})
}

func (s *SQLStore) FinishSession(ctx context.Context, sessionID string, score int, endedAt int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE user_sessions SET score=$1, ended_at=$2 WHERE id=$3 AND ended_at IS NULL`,
		score, endedAt, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrEnded
	}
	return nil
}
