package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const notificationQueue = "notification_queue"

// NotificationService hands member notifications to the delivery worker via
// a Redis queue. Delivery itself (SMS, email) is another system's job; a
// failed enqueue is logged and swallowed so it can never fail a loan
// operation.
type NotificationService struct {
	redis *redis.Client
}

func NewNotificationService(rdb *redis.Client) *NotificationService {
	return &NotificationService{redis: rdb}
}

type notificationPayload struct {
	MemberID  string    `json:"member_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ViaEmail  bool      `json:"via_email"`
	ViaSms    bool      `json:"via_sms"`
	CreatedAt time.Time `json:"created_at"`
}

func (ns *NotificationService) Notify(memberID, title, message string, viaEmail, viaSms bool) {
	if ns.redis == nil {
		log.Printf("[NOTIFY] %s: %s - %s", memberID, title, message)
		return
	}

	payload := notificationPayload{
		MemberID:  memberID,
		Title:     title,
		Message:   message,
		ViaEmail:  viaEmail,
		ViaSms:    viaSms,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[NOTIFY] marshal failed for member %s: %v", memberID, err)
		return
	}

	if err := ns.redis.RPush(context.Background(), notificationQueue, data).Err(); err != nil {
		log.Printf("[NOTIFY] enqueue failed for member %s: %v", memberID, err)
	}
}
