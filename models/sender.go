package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender is a connected sending account (the external principal the circuit
// breaker is keyed on). SMTP credentials are used for outbound email; IMAP
// credentials, when present, let the reply worker poll the mailbox.
type Sender struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`

	// ========= IMAP Configuration =========
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"-"`
	IMAPMailbox  string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Sending limits =========
	IsActive   bool `gorm:"default:true" json:"is_active"`
	DailyLimit int  `gorm:"default:200" json:"daily_limit"`
	SentToday  int  `gorm:"default:0" json:"sent_today"`
	TotalSent  int  `gorm:"default:0" json:"total_sent"`

	LastError    string     `json:"last_error"`
	LastPolledAt *time.Time `json:"last_polled_at"`
}
