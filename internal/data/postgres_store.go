package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/data/pgxutil"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
)

// PostgresStore implements core.Database on PostgreSQL through the pgx stdlib bridge.
type PostgresStore struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

var _ core.Database = (*PostgresStore)(nil)

// NewPostgresStore creates a store with the real time provider.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db, timeProvider: RealTimeProvider{}}
}

// NewPostgresStoreWithTimeProvider creates a store with a custom time provider (useful for tests).
func NewPostgresStoreWithTimeProvider(db *sql.DB, tp TimeProvider) *PostgresStore {
	return &PostgresStore{DB: db, timeProvider: tp}
}

const (
	scanJobsSelect = `
		SELECT s.broker_id, s.profile_query_id, s.preferred_run_date, s.last_run_date, b.definition,
		       q.first_name, q.middle_name, q.last_name, q.suffix, q.city, q.state, q.street,
		       q.zip_code, q.phone, q.birth_year, q.deprecated
		FROM scan_jobs s
		JOIN brokers b ON b.id = s.broker_id
		JOIN profile_queries q ON q.id = s.profile_query_id`

	optOutsSelect = `
		SELECT o.extracted_profile_id, o.broker_id, o.profile_query_id, o.preferred_run_date,
		       o.last_run_date, o.attempt_count, o.submitted_successfully_date,
		       p.profile, p.email, p.first_seen_date, p.last_seen_date, p.removed_date
		FROM opt_out_jobs o
		JOIN extracted_profiles p ON p.id = o.extracted_profile_id`

	eventsSelect = `
		SELECT id, broker_id, profile_query_id, extracted_profile_id, type, count,
		       error_kind, error_detail, date
		FROM history_events`

	targetFilter = ` WHERE %s.broker_id = $1 AND %s.profile_query_id = $2`
)

func decodeBroker(id int64, definition []byte) (model.Broker, error) {
	b, err := model.ParseBroker(definition)
	if err != nil {
		return model.Broker{}, err
	}
	b.ID = id
	return b, nil
}

func scanTargets(rows pgx.Rows) ([]model.BrokerProfileQueryData, error) {
	var out []model.BrokerProfileQueryData
	for rows.Next() {
		var (
			d          model.BrokerProfileQueryData
			definition []byte
			q          = &d.ProfileQuery
		)
		if err := rows.Scan(
			&d.ScanJobData.BrokerID, &d.ScanJobData.ProfileQueryID,
			&d.ScanJobData.PreferredRunDate, &d.ScanJobData.LastRunDate, &definition,
			&q.FirstName, &q.MiddleName, &q.LastName, &q.Suffix, &q.City, &q.State, &q.Street,
			&q.ZipCode, &q.Phone, &q.BirthYear, &q.Deprecated,
		); err != nil {
			return nil, err
		}
		q.ID = d.ScanJobData.ProfileQueryID
		b, err := decodeBroker(d.ScanJobData.BrokerID, definition)
		if err != nil {
			return nil, err
		}
		d.Broker = b
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanOptOuts(rows pgx.Rows) ([]model.OptOutJobData, error) {
	var out []model.OptOutJobData
	for rows.Next() {
		var (
			o       model.OptOutJobData
			id      int64
			profile []byte
			p       model.ExtractedProfile
		)
		var email string
		var firstSeen, lastSeen time.Time
		var removed *time.Time
		if err := rows.Scan(
			&id, &o.BrokerID, &o.ProfileQueryID, &o.PreferredRunDate, &o.LastRunDate,
			&o.AttemptCount, &o.SubmittedSuccessfullyDate,
			&profile, &email, &firstSeen, &lastSeen, &removed,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(profile, &p); err != nil {
			return nil, fmt.Errorf("decode extracted profile %d: %w", id, err)
		}
		p.ID = id
		p.BrokerID = o.BrokerID
		p.ProfileQueryID = o.ProfileQueryID
		p.Email = email
		p.FirstSeenDate = firstSeen
		p.LastSeenDate = lastSeen
		p.RemovedDate = removed
		o.ExtractedProfile = p
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]model.HistoryEvent, error) {
	var out []model.HistoryEvent
	for rows.Next() {
		var ev model.HistoryEvent
		var kind string
		if err := rows.Scan(
			&ev.ID, &ev.BrokerID, &ev.ProfileQueryID, &ev.ExtractedProfileID, &ev.Type, &ev.Count,
			&kind, &ev.ErrorDetail, &ev.Date,
		); err != nil {
			return nil, err
		}
		ev.ErrorKind = errs.Kind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// assemble attaches opt-outs and events to their pairs.
func assemble(targets []model.BrokerProfileQueryData, optOuts []model.OptOutJobData, events []model.HistoryEvent) {
	index := make(map[model.Target]int, len(targets))
	for i := range targets {
		index[targets[i].Target()] = i
	}
	optIndex := make(map[int64]*model.OptOutJobData)
	for _, o := range optOuts {
		i, ok := index[model.Target{BrokerID: o.BrokerID, ProfileQueryID: o.ProfileQueryID}]
		if !ok {
			continue
		}
		targets[i].OptOutJobData = append(targets[i].OptOutJobData, o)
	}
	for i := range targets {
		for j := range targets[i].OptOutJobData {
			o := &targets[i].OptOutJobData[j]
			optIndex[o.ExtractedProfile.ID] = o
		}
	}
	for _, ev := range events {
		if ev.ExtractedProfileID != nil {
			if o, ok := optIndex[*ev.ExtractedProfileID]; ok {
				o.History = append(o.History, ev)
			}
			continue
		}
		if i, ok := index[model.Target{BrokerID: ev.BrokerID, ProfileQueryID: ev.ProfileQueryID}]; ok {
			targets[i].ScanJobData.History = append(targets[i].ScanJobData.History, ev)
		}
	}
}

func (s *PostgresStore) fetch(ctx context.Context, target *model.Target) ([]model.BrokerProfileQueryData, error) {
	var (
		targets []model.BrokerProfileQueryData
		optOuts []model.OptOutJobData
		events  []model.HistoryEvent
	)
	err := pgxutil.WithPgxConn(ctx, s.DB, func(conn *pgx.Conn) error {
		scanSQL := scanJobsSelect
		optSQL := optOutsSelect
		evSQL := eventsSelect
		var args []any
		if target != nil {
			scanSQL += fmt.Sprintf(targetFilter, "s", "s")
			optSQL += fmt.Sprintf(targetFilter, "o", "o")
			evSQL += fmt.Sprintf(targetFilter, "history_events", "history_events")
			args = []any{target.BrokerID, target.ProfileQueryID}
		}
		scanSQL += ` ORDER BY s.broker_id, s.profile_query_id`
		optSQL += ` ORDER BY o.extracted_profile_id`
		evSQL += ` ORDER BY date, id`

		rows, err := conn.Query(ctx, scanSQL, args...)
		if err != nil {
			return err
		}
		targets, err = scanTargets(rows)
		rows.Close()
		if err != nil {
			return err
		}

		if rows, err = conn.Query(ctx, optSQL, args...); err != nil {
			return err
		}
		optOuts, err = scanOptOuts(rows)
		rows.Close()
		if err != nil {
			return err
		}

		if rows, err = conn.Query(ctx, evSQL, args...); err != nil {
			return err
		}
		events, err = scanEvents(rows)
		rows.Close()
		return err
	})
	if err != nil {
		return nil, errs.FromDB(fmt.Errorf("fetch broker profile query data: %w", err))
	}
	assemble(targets, optOuts, events)
	return targets, nil
}

// FetchAllBrokerProfileQueryData returns every broker and profile query pair ordered by IDs.
func (s *PostgresStore) FetchAllBrokerProfileQueryData(ctx context.Context) ([]model.BrokerProfileQueryData, error) {
	return s.fetch(ctx, nil)
}

// FetchBrokerProfileQueryData returns one pair.
func (s *PostgresStore) FetchBrokerProfileQueryData(ctx context.Context, target model.Target) (model.BrokerProfileQueryData, error) {
	out, err := s.fetch(ctx, &target)
	if err != nil {
		return model.BrokerProfileQueryData{}, err
	}
	if len(out) == 0 {
		return model.BrokerProfileQueryData{}, errs.DataNotInDatabase(
			fmt.Sprintf("no scan for broker %d and profile query %d", target.BrokerID, target.ProfileQueryID))
	}
	return out[0], nil
}

// FetchExtractedProfiles returns the profiles found on a broker across all profile queries.
func (s *PostgresStore) FetchExtractedProfiles(ctx context.Context, brokerID int64) ([]model.ExtractedProfile, error) {
	var optOuts []model.OptOutJobData
	err := pgxutil.WithPgxConn(ctx, s.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, optOutsSelect+` WHERE o.broker_id = $1 ORDER BY o.extracted_profile_id`, brokerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		optOuts, err = scanOptOuts(rows)
		return err
	})
	if err != nil {
		return nil, errs.FromDB(fmt.Errorf("fetch extracted profiles: %w", err))
	}
	out := make([]model.ExtractedProfile, 0, len(optOuts))
	for _, o := range optOuts {
		out = append(out, o.ExtractedProfile)
	}
	return out, nil
}

// FetchLastEvent returns the latest event of the pair across scan and opt-outs, or nil.
func (s *PostgresStore) FetchLastEvent(ctx context.Context, target model.Target) (*model.HistoryEvent, error) {
	var events []model.HistoryEvent
	err := pgxutil.WithPgxConn(ctx, s.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			eventsSelect+fmt.Sprintf(targetFilter, "history_events", "history_events")+` ORDER BY date DESC, id DESC LIMIT 1`,
			target.BrokerID, target.ProfileQueryID)
		if err != nil {
			return err
		}
		defer rows.Close()
		events, err = scanEvents(rows)
		return err
	})
	if err != nil {
		return nil, errs.FromDB(fmt.Errorf("fetch last event: %w", err))
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// FetchBrokers returns every broker ordered by ID.
func (s *PostgresStore) FetchBrokers(ctx context.Context) ([]model.Broker, error) {
	var out []model.Broker
	err := pgxutil.WithPgxConn(ctx, s.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, definition FROM brokers ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var definition []byte
			if err = rows.Scan(&id, &definition); err != nil {
				return err
			}
			b, err := decodeBroker(id, definition)
			if err != nil {
				return err
			}
			out = append(out, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errs.FromDB(fmt.Errorf("fetch brokers: %w", err))
	}
	return out, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev model.HistoryEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO history_events (broker_id, profile_query_id, extracted_profile_id, type, count, error_kind, error_detail, date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.BrokerID, ev.ProfileQueryID, ev.ExtractedProfileID, string(ev.Type), ev.Count,
		string(ev.ErrorKind), ev.ErrorDetail, ev.Date.UTC(),
	)
	return err
}

// mustAffect turns an update that matched no row into DataNotInDatabase.
func mustAffect(affected int64, what string) error {
	if affected == 0 {
		return errs.DataNotInDatabase(what)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	if err := pgxutil.WithPgxTx(ctx, s.DB, pgxutil.TxConfig{Fn: fn}); err != nil {
		return errs.FromDB(fmt.Errorf("%s: %w", op, err))
	}
	return nil
}

// AddHistoryEvent appends an event.
func (s *PostgresStore) AddHistoryEvent(ctx context.Context, ev model.HistoryEvent) error {
	if ev.Date.IsZero() {
		ev.Date = s.timeProvider.Now()
	}
	return s.inTx(ctx, "add history event", func(tx pgx.Tx) error {
		return insertEvent(ctx, tx, ev)
	})
}

// UpdateScanDates sets the preferred run date and, when given, the last run date.
func (s *PostgresStore) UpdateScanDates(ctx context.Context, p core.ScanDatesUpdate) error {
	return s.inTx(ctx, "update scan dates", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE scan_jobs SET preferred_run_date = $3, last_run_date = COALESCE($4, last_run_date)
			WHERE broker_id = $1 AND profile_query_id = $2`,
			p.Target.BrokerID, p.Target.ProfileQueryID, p.PreferredRunDate, p.LastRunDate)
		if err != nil {
			return err
		}
		return mustAffect(tag.RowsAffected(), "scan "+p.Target.String())
	})
}

// UpdateOptOutDates sets the preferred run date and, when given, the last run date.
func (s *PostgresStore) UpdateOptOutDates(ctx context.Context, p core.OptOutDatesUpdate) error {
	return s.inTx(ctx, "update opt-out dates", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE opt_out_jobs SET preferred_run_date = $4, last_run_date = COALESCE($5, last_run_date)
			WHERE broker_id = $1 AND profile_query_id = $2 AND extracted_profile_id = $3`,
			p.Target.BrokerID, p.Target.ProfileQueryID, p.ExtractedProfileID, p.PreferredRunDate, p.LastRunDate)
		if err != nil {
			return err
		}
		return mustAffect(tag.RowsAffected(), fmt.Sprintf("opt-out for extracted profile %d", p.ExtractedProfileID))
	})
}

// RecordOptOutSubmitted bumps the attempt count and stores the submission date.
func (s *PostgresStore) RecordOptOutSubmitted(ctx context.Context, p core.OptOutSubmission) error {
	return s.inTx(ctx, "record opt-out submission", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE opt_out_jobs SET attempt_count = attempt_count + 1, submitted_successfully_date = $4
			WHERE broker_id = $1 AND profile_query_id = $2 AND extracted_profile_id = $3`,
			p.Target.BrokerID, p.Target.ProfileQueryID, p.ExtractedProfileID, p.SubmittedAt.UTC())
		if err != nil {
			return err
		}
		return mustAffect(tag.RowsAffected(), fmt.Sprintf("opt-out for extracted profile %d", p.ExtractedProfileID))
	})
}

// profileDocument is the JSONB column content; columns hold the mutable fields.
func profileDocument(p model.ExtractedProfile) ([]byte, error) {
	p.ID = 0
	p.Email = ""
	p.RemovedDate = nil
	p.FirstSeenDate = time.Time{}
	p.LastSeenDate = time.Time{}
	return json.Marshal(p)
}

// SaveScanResult applies a scan outcome in one transaction.
func (s *PostgresStore) SaveScanResult(ctx context.Context, r core.ScanResult) ([]model.ExtractedProfile, error) {
	saved := make([]model.ExtractedProfile, 0, len(r.Matches))
	date := r.Date.UTC()
	err := s.inTx(ctx, "save scan result", func(tx pgx.Tx) error {
		saved = saved[:0]
		for _, m := range r.Matches {
			p := m.Profile
			p.BrokerID = r.Target.BrokerID
			p.ProfileQueryID = r.Target.ProfileQueryID
			doc, err := profileDocument(p)
			if err != nil {
				return err
			}

			if p.ID == 0 {
				err = tx.QueryRow(ctx, `
					INSERT INTO extracted_profiles (broker_id, profile_query_id, identity_key, profile, first_seen_date, last_seen_date)
					VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`,
					p.BrokerID, p.ProfileQueryID, p.IdentityKey(), doc, date,
				).Scan(&p.ID)
				if err != nil {
					return err
				}
				if _, err = tx.Exec(ctx, `
					INSERT INTO opt_out_jobs (extracted_profile_id, broker_id, profile_query_id, preferred_run_date)
					VALUES ($1, $2, $3, $4)`,
					p.ID, p.BrokerID, p.ProfileQueryID, m.OptOutRunDate,
				); err != nil {
					return err
				}
				p.FirstSeenDate, p.LastSeenDate, p.RemovedDate = date, date, nil
				saved = append(saved, p)
				continue
			}

			err = tx.QueryRow(ctx, `
				UPDATE extracted_profiles
				SET profile = $3, last_seen_date = $4,
				    removed_date = CASE WHEN $5::boolean THEN NULL ELSE removed_date END
				WHERE id = $1 AND broker_id = $2
				RETURNING email, first_seen_date, removed_date`,
				p.ID, p.BrokerID, doc, date, m.Reappeared,
			).Scan(&p.Email, &p.FirstSeenDate, &p.RemovedDate)
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.DataNotInDatabase(fmt.Sprintf("extracted profile %d", p.ID))
			}
			if err != nil {
				return err
			}
			p.LastSeenDate = date
			if m.Reappeared {
				if err = insertEvent(ctx, tx, model.NewEvent(r.Target, model.EventReAppearance, date).ForProfile(p.ID)); err != nil {
					return err
				}
			}
			if m.OptOutRunDate != nil {
				if _, err = tx.Exec(ctx, `UPDATE opt_out_jobs SET preferred_run_date = $2 WHERE extracted_profile_id = $1`,
					p.ID, m.OptOutRunDate); err != nil {
					return err
				}
			}
			saved = append(saved, p)
		}

		for _, id := range r.Confirmed {
			tag, err := tx.Exec(ctx, `UPDATE extracted_profiles SET removed_date = $2 WHERE id = $1`, id, date)
			if err != nil {
				return err
			}
			if err = mustAffect(tag.RowsAffected(), fmt.Sprintf("extracted profile %d", id)); err != nil {
				return err
			}
			if _, err = tx.Exec(ctx, `UPDATE opt_out_jobs SET preferred_run_date = NULL WHERE extracted_profile_id = $1`, id); err != nil {
				return err
			}
			if err = insertEvent(ctx, tx, model.NewEvent(r.Target, model.EventOptOutConfirmed, date).ForProfile(id)); err != nil {
				return err
			}
		}

		for id, at := range r.OptOutRunDates {
			tag, err := tx.Exec(ctx, `
				UPDATE opt_out_jobs SET preferred_run_date = $4
				WHERE broker_id = $1 AND profile_query_id = $2 AND extracted_profile_id = $3`,
				r.Target.BrokerID, r.Target.ProfileQueryID, id, at)
			if err != nil {
				return err
			}
			if err = mustAffect(tag.RowsAffected(), fmt.Sprintf("opt-out for extracted profile %d", id)); err != nil {
				return err
			}
		}
		if r.ScanRunDate != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE scan_jobs SET preferred_run_date = $3
				WHERE broker_id = $1 AND profile_query_id = $2`,
				r.Target.BrokerID, r.Target.ProfileQueryID, r.ScanRunDate)
			if err != nil {
				return err
			}
			if err = mustAffect(tag.RowsAffected(), "scan "+r.Target.String()); err != nil {
				return err
			}
		}

		ev := model.NewEvent(r.Target, model.EventMatchesFound, date)
		ev.Count = len(r.Matches)
		return insertEvent(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// UpdateRemovedDate sets or clears the removal date of an extracted profile.
func (s *PostgresStore) UpdateRemovedDate(ctx context.Context, p core.RemovalUpdate) error {
	return s.inTx(ctx, "update removed date", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE extracted_profiles SET removed_date = $2 WHERE id = $1`,
			p.ExtractedProfileID, p.RemovedDate)
		if err != nil {
			return err
		}
		return mustAffect(tag.RowsAffected(), fmt.Sprintf("extracted profile %d", p.ExtractedProfileID))
	})
}

// SetExtractedProfileEmail stores the generated address on the profile.
func (s *PostgresStore) SetExtractedProfileEmail(ctx context.Context, id int64, email string) error {
	return s.inTx(ctx, "set extracted profile email", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE extracted_profiles SET email = $2 WHERE id = $1`, id, email)
		if err != nil {
			return err
		}
		return mustAffect(tag.RowsAffected(), fmt.Sprintf("extracted profile %d", id))
	})
}

// UpsertBroker inserts or replaces a broker by name. New brokers get a scan
// for every active profile query, due now.
func (s *PostgresStore) UpsertBroker(ctx context.Context, b model.Broker) (model.Broker, error) {
	if strings.TrimSpace(b.Name) == "" {
		return model.Broker{}, ErrBrokerNameRequired
	}
	b.ID = 0
	definition, err := json.Marshal(b)
	if err != nil {
		return model.Broker{}, fmt.Errorf("encode broker: %w", err)
	}
	now := s.timeProvider.Now().UTC()

	err = s.inTx(ctx, "upsert broker", func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO brokers (name, url, version, parent, definition, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (name) DO UPDATE
			SET url = EXCLUDED.url, version = EXCLUDED.version, parent = EXCLUDED.parent,
			    definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at
			RETURNING id`,
			b.Name, b.URL, b.Version, b.Parent, definition, now,
		).Scan(&b.ID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO scan_jobs (broker_id, profile_query_id, preferred_run_date)
			SELECT $1, q.id, $2 FROM profile_queries q WHERE NOT q.deprecated
			ON CONFLICT DO NOTHING`, b.ID, now)
		return err
	})
	if err != nil {
		return model.Broker{}, err
	}
	return b, nil
}

// SaveProfileQueries makes queries the active set: matching queries are
// updated, new ones inserted with a scan per broker, and active queries
// missing from the set are deprecated.
func (s *PostgresStore) SaveProfileQueries(ctx context.Context, queries []model.ProfileQuery) ([]model.ProfileQuery, error) {
	for _, q := range queries {
		if strings.TrimSpace(q.FirstName) == "" || strings.TrimSpace(q.LastName) == "" {
			return nil, ErrProfileQueryNameRequired
		}
	}
	now := s.timeProvider.Now().UTC()
	out := make([]model.ProfileQuery, 0, len(queries))

	err := s.inTx(ctx, "save profile queries", func(tx pgx.Tx) error {
		out = out[:0]
		existing := map[string]int64{}
		rows, err := tx.Query(ctx, `
			SELECT id, first_name, middle_name, last_name, suffix, city, state, birth_year FROM profile_queries`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var q model.ProfileQuery
			if err = rows.Scan(&q.ID, &q.FirstName, &q.MiddleName, &q.LastName, &q.Suffix, &q.City, &q.State, &q.BirthYear); err != nil {
				rows.Close()
				return err
			}
			existing[q.Key()] = q.ID
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return err
		}

		ids := make([]int64, 0, len(queries))
		for _, q := range queries {
			q.Deprecated = false
			if id, ok := existing[q.Key()]; ok {
				q.ID = id
				_, err = tx.Exec(ctx, `
					UPDATE profile_queries SET street = $2, zip_code = $3, phone = $4, deprecated = FALSE
					WHERE id = $1`, q.ID, q.Street, q.ZipCode, q.Phone)
			} else {
				err = tx.QueryRow(ctx, `
					INSERT INTO profile_queries (first_name, middle_name, last_name, suffix, city, state, street, zip_code, phone, birth_year)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
					q.FirstName, q.MiddleName, q.LastName, q.Suffix, q.City, q.State, q.Street, q.ZipCode, q.Phone, q.BirthYear,
				).Scan(&q.ID)
				if err == nil {
					existing[q.Key()] = q.ID
				}
			}
			if err != nil {
				return err
			}
			if _, err = tx.Exec(ctx, `
				INSERT INTO scan_jobs (broker_id, profile_query_id, preferred_run_date)
				SELECT b.id, $1, $2 FROM brokers b
				ON CONFLICT DO NOTHING`, q.ID, now); err != nil {
				return err
			}
			ids = append(ids, q.ID)
			out = append(out, q)
		}

		_, err = tx.Exec(ctx, `UPDATE profile_queries SET deprecated = TRUE WHERE NOT (id = ANY($1::bigint[])) AND NOT deprecated`, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasMatches reports whether any extracted profile exists.
func (s *PostgresStore) HasMatches(ctx context.Context) (bool, error) {
	var ok bool
	if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM extracted_profiles)`).Scan(&ok); err != nil {
		return false, errs.FromDB(fmt.Errorf("has matches: %w", err))
	}
	return ok, nil
}

// ProfileQueriesCount counts the active profile queries.
func (s *PostgresStore) ProfileQueriesCount(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM profile_queries WHERE NOT deprecated`).Scan(&n); err != nil {
		return 0, errs.FromDB(fmt.Errorf("count profile queries: %w", err))
	}
	return n, nil
}
