package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"outflow/engine"
	"outflow/models"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"gorm.io/gorm"
)

const replySnippetLimit = 200

// ReplyWorker polls sender mailboxes over IMAP and turns replies to
// sequence messages into reply events. Matching is done on the In-Reply-To
// header against the provider message ids we stamped on outbound mail.
type ReplyWorker struct {
	db        *gorm.DB
	processor *engine.EventProcessor
	interval  time.Duration
	logger    *log.Logger
}

func NewReplyWorker(db *gorm.DB, processor *engine.EventProcessor, interval time.Duration, logger *log.Logger) *ReplyWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReplyWorker{
		db:        db,
		processor: processor,
		interval:  interval,
		logger:    logger,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.Println("Starting reply worker...")
	ticker := time.NewTicker(rw.interval)

	for {
		select {
		case <-ticker.C:
			rw.pollAllSenders()
		case <-ctx.Done():
			rw.logger.Println("Stopping reply worker...")
			ticker.Stop()
			return
		}
	}
}

func (rw *ReplyWorker) pollAllSenders() {
	var senders []models.Sender
	err := rw.db.Where("is_active = ? AND imap_host IS NOT NULL AND imap_host != ''", true).Find(&senders).Error
	if err != nil {
		rw.logger.Printf("Failed to fetch senders: %v", err)
		return
	}

	for i := range senders {
		sender := &senders[i]
		if err := rw.pollSender(sender); err != nil {
			rw.logger.Printf("Failed to poll sender %d: %v", sender.ID, err)
			rw.db.Model(sender).Update("last_error", err.Error())
			continue
		}
		rw.db.Model(sender).Updates(map[string]interface{}{
			"last_error":     "",
			"last_polled_at": time.Now(),
		})
	}
}

func (rw *ReplyWorker) pollSender(sender *models.Sender) error {
	imapAddr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)
	imapClient, err := client.DialTLS(imapAddr, &tls.Config{
		ServerName: sender.IMAPHost,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(sender.IMAPUsername, sender.IMAPPassword); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	mailbox := "INBOX"
	if sender.IMAPMailbox != "" {
		mailbox = sender.IMAPMailbox
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := rw.processMessage(msg); err != nil {
			rw.logger.Printf("Failed to process message %d: %v", msg.SeqNum, err)
			continue
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}
	return nil
}

func (rw *ReplyWorker) processMessage(msg *imap.Message) error {
	if msg.Envelope == nil {
		return nil
	}

	messageID := outboundMessageID(msg.Envelope.InReplyTo)
	if messageID == "" {
		// Not a reply to anything we sent
		return nil
	}

	snippet, err := extractSnippet(msg)
	if err != nil {
		rw.logger.Printf("Failed to extract reply body: %v", err)
	}

	eventTime := msg.Envelope.Date
	if eventTime.IsZero() {
		eventTime = time.Now()
	}

	processed, _ := rw.processor.ProcessBatch([]engine.ProviderEvent{{
		Event:             string(engine.EventReply),
		ProviderMessageID: messageID,
		Timestamp:         eventTime.Unix(),
		ReplySnippet:      snippet,
	}})
	if processed > 0 {
		rw.logger.Printf("Recorded reply to message %s", messageID)
	}
	return nil
}

// outboundMessageID recovers the provider message id from an In-Reply-To
// header. Outbound mail carries "<uuid@domain>"; the stored id is the uuid.
func outboundMessageID(inReplyTo string) string {
	id := strings.TrimSpace(inReplyTo)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	if at := strings.Index(id, "@"); at >= 0 {
		id = id[:at]
	}
	return id
}

func extractSnippet(msg *imap.Message) (string, error) {
	section := imap.BodySectionName{}
	literal := msg.GetBody(&section)
	if literal == nil {
		return "", nil
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return "", fmt.Errorf("failed to create message reader: %v", err)
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", fmt.Errorf("failed to read next part: %v", err)
		}

		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			if !strings.Contains(contentType, "text/plain") {
				continue
			}
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", fmt.Errorf("failed to read body: %v", err)
			}
			snippet := strings.TrimSpace(string(b))
			if len(snippet) > replySnippetLimit {
				snippet = snippet[:replySnippetLimit]
			}
			return snippet, nil
		}
	}
	return "", nil
}
