// ABOUTME: Transactional mailbox - message fan-out on submit, atomic drain on poll
// ABOUTME: Delete-then-fetch inside one transaction gives at-most-once delivery

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubmitMessage stores the message and fans a mailbox entry out to every
// device the recipient owns at submission time, in one transaction. Devices
// registered afterwards never receive the message. A recipient with zero
// devices still gets the message row but no mailbox entries; the returned
// fan-out count lets callers observe that.
func (s *SQLiteStore) SubmitMessage(ctx context.Context, msg *Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Insert first so the transaction takes the write lock up front instead
	// of upgrading from a read mid-flight.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, recipient, sender, reception_time, type, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		msg.ID.String(),
		msg.Recipient.String(),
		msg.Sender.String(),
		formatTime(msg.ReceptionTime),
		msg.Type,
		string(msg.Payload),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM devices WHERE user_id = ?
	`, msg.Recipient.String())
	if err != nil {
		return 0, fmt.Errorf("querying recipient devices: %w", err)
	}

	var deviceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning device id: %w", err)
		}
		deviceIDs = append(deviceIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterating device rows: %w", err)
	}
	rows.Close()

	for _, deviceID := range deviceIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mailbox (device_id, message_id) VALUES (?, ?)
		`, deviceID, msg.ID.String())
		if err != nil {
			return 0, fmt.Errorf("inserting mailbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing message submission: %w", err)
	}

	s.logger.Debug("submitted message", "id", msg.ID, "recipient", msg.Recipient, "fanout", len(deviceIDs))
	return len(deviceIDs), nil
}

// PollMailbox drains the device's backlog: in one transaction it deletes
// every mailbox entry for the device, capturing the referenced message ids,
// then fetches those messages ordered by reception time. An entry deleted
// here is invisible to any concurrent poll for the same device, so no
// message is ever delivered twice. There is no acknowledgment step; a
// message handed to a crashing client is gone from this device's backlog.
func (s *SQLiteStore) PollMailbox(ctx context.Context, deviceID uuid.UUID) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM mailbox WHERE device_id = ? RETURNING message_id
	`, deviceID.String())
	if err != nil {
		return nil, fmt.Errorf("draining mailbox: %w", err)
	}

	var messageIDs []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning mailbox entry: %w", err)
		}
		messageIDs = append(messageIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating mailbox entries: %w", err)
	}
	rows.Close()

	messages := []*Message{}
	if len(messageIDs) > 0 {
		placeholders := make([]byte, 0, 2*len(messageIDs)-1)
		for i := range messageIDs {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
		}

		query := fmt.Sprintf(`
			SELECT id, recipient, sender, reception_time, type, payload
			FROM messages
			WHERE id IN (%s)
			ORDER BY reception_time ASC
		`, placeholders)

		msgRows, err := tx.QueryContext(ctx, query, messageIDs...)
		if err != nil {
			return nil, fmt.Errorf("querying messages: %w", err)
		}
		defer msgRows.Close()

		for msgRows.Next() {
			msg, err := scanMessage(msgRows)
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
		}
		if err := msgRows.Err(); err != nil {
			return nil, fmt.Errorf("iterating message rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing mailbox poll: %w", err)
	}

	s.logger.Debug("polled mailbox", "device_id", deviceID, "count", len(messages))
	return messages, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var idStr, recipientStr, senderStr, receptionTimeStr, payload string

	if err := row.Scan(&idStr, &recipientStr, &senderStr, &receptionTimeStr, &msg.Type, &payload); err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	var err error
	msg.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message id: %w", err)
	}
	msg.Recipient, err = uuid.Parse(recipientStr)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient id: %w", err)
	}
	msg.Sender, err = uuid.Parse(senderStr)
	if err != nil {
		return nil, fmt.Errorf("parsing sender id: %w", err)
	}
	msg.ReceptionTime, err = parseTime(receptionTimeStr)
	if err != nil {
		return nil, fmt.Errorf("parsing reception_time: %w", err)
	}
	msg.Payload = []byte(payload)

	return &msg, nil
}

// NewMessage builds a message row for submission, stamping id and reception
// time server-side.
func NewMessage(sender, recipient uuid.UUID, msgType string, payload []byte) *Message {
	return &Message{
		ID:            uuid.New(),
		Recipient:     recipient,
		Sender:        sender,
		ReceptionTime: time.Now().UTC(),
		Type:          msgType,
		Payload:       payload,
	}
}
