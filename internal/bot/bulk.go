package bot

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sqragent/internal/chat"
)

// MaxBulkFileBytes caps CSV uploads for /bulk_learn.
const MaxBulkFileBytes = 1 << 20

const (
	usageBulkLearn = "❌ Please send a CSV file with the caption /bulk_learn, or put the rows after the command, in the format:\n" +
		"topic,information\n" +
		"Example:\n" +
		"sqrdao,sqrDAO is a Web3 builders-driven community\n" +
		"sqrfund,sqrFUND is a Web3 + AI development DAO"
	msgBulkInvalid   = "❌ Invalid CSV format. Please use: topic,information"
	msgBulkFileError = "❌ Error processing the CSV file. Please check the format and try again."
)

var errBulkFormat = errors.New("rows must have exactly two columns")

// FileDownloader fetches files attached to messages. *telegram.Client
// satisfies it.
type FileDownloader interface {
	DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error)
}

type knowledgeRow struct {
	topic string
	info  string
}

func (b *Bot) bulkLearn(ctx context.Context, msg chat.Incoming) error {
	if !b.authorized(ctx, msg.Username) {
		return b.send(ctx, msg.ChatID, msgUnauthorized)
	}
	log := slog.With("chat", msg.ChatID, "user", msg.Username)

	var data []byte
	switch {
	case msg.Document != nil && b.Files != nil:
		raw, err := b.Files.DownloadFile(ctx, msg.Document.FileID, MaxBulkFileBytes)
		if err != nil {
			log.Warn("download bulk file failed", "file", msg.Document.FileName, "err", err)
			return b.send(ctx, msg.ChatID, msgBulkFileError)
		}
		data = raw
	case strings.TrimSpace(msg.Args) != "":
		data = []byte(msg.Args)
	default:
		return b.send(ctx, msg.ChatID, usageBulkLearn)
	}

	rows, failed, err := parseKnowledgeCSV(data)
	if err != nil {
		log.Info("bulk learn rejected", "err", err)
		return b.send(ctx, msg.ChatID, msgBulkInvalid)
	}
	added := 0
	for _, row := range rows {
		if err := b.Knowledge.Put(ctx, KnowledgePrefix+row.topic, row.info); err != nil {
			log.Warn("store bulk entry failed", "topic", row.topic, "err", err)
			failed++
			continue
		}
		added++
	}
	log.Info("bulk learn completed", "added", added, "failed", failed)
	return b.send(ctx, msg.ChatID, fmt.Sprintf("✅ Bulk learning completed!\nSuccessfully added: %d\nFailed to add: %d", added, failed))
}

// parseKnowledgeCSV reads topic,information rows. A leading
// "topic,information" header is skipped. Rows without exactly two non-empty
// columns are counted as failed; a malformed first row rejects the file.
func parseKnowledgeCSV(data []byte) ([]knowledgeRow, int, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, 0, errBulkFormat
	}
	if len(records[0]) != 2 {
		return nil, 0, errBulkFormat
	}
	if strings.EqualFold(strings.TrimSpace(records[0][0]), "topic") {
		records = records[1:]
	}

	var rows []knowledgeRow
	failed := 0
	for _, rec := range records {
		if len(rec) != 2 {
			failed++
			continue
		}
		topic := strings.ToLower(strings.TrimSpace(rec[0]))
		info := strings.TrimSpace(rec[1])
		if topic == "" || info == "" {
			failed++
			continue
		}
		rows = append(rows, knowledgeRow{topic: topic, info: info})
	}
	return rows, failed, nil
}
