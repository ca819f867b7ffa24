// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package transcript persists conversations and their messages. Persistence
// is optional; without a database the nop store keeps calls flowing with no
// transcript linkage.
package transcript

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Conversation is one call's transcript record.
type Conversation struct {
	ID        string `gorm:"primaryKey;size:36"`
	CallID    string `gorm:"size:128;index"`
	PatientID string `gorm:"size:128;index"`
	Status    string `gorm:"size:16"`
	StartTime time.Time
	EndTime   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationMessage is a single utterance within a conversation.
type ConversationMessage struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID string `gorm:"size:36;index"`
	Role           string `gorm:"size:32"`
	Content        string `gorm:"type:text"`
	CreatedAt      time.Time
}

// Store is the transcript sink used by the pipeline and the AI client.
type Store interface {
	FindOrCreateConversation(callID, patientID string, startTime time.Time) (string, error)
	AppendMessage(conversationID, role, content string) error
	Complete(conversationID string, endTime time.Time) error
}

// ============================================================
// GORM-backed store
// ============================================================

type gormStore struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewStore migrates the schema and returns a database-backed store.
func NewStore(db *gorm.DB, logger commons.Logger) (Store, error) {
	if err := db.AutoMigrate(&Conversation{}, &ConversationMessage{}); err != nil {
		return nil, fmt.Errorf("transcript: migrate: %w", err)
	}
	return &gormStore{db: db, logger: logger}, nil
}

// FindOrCreateConversation returns the active conversation for a call,
// creating one when none exists.
func (s *gormStore) FindOrCreateConversation(callID, patientID string, startTime time.Time) (string, error) {
	var conv Conversation
	err := s.db.Where("call_id = ? AND status = ?", callID, StatusActive).First(&conv).Error
	if err == nil {
		return conv.ID, nil
	}
	if err != gorm.ErrRecordNotFound {
		return "", fmt.Errorf("transcript: lookup conversation: %w", err)
	}

	conv = Conversation{
		ID:        uuid.NewString(),
		CallID:    callID,
		PatientID: patientID,
		Status:    StatusActive,
		StartTime: startTime,
	}
	if err := s.db.Create(&conv).Error; err != nil {
		return "", fmt.Errorf("transcript: create conversation: %w", err)
	}
	s.logger.Infow("conversation started", "conversation", conv.ID, "call", callID)
	return conv.ID, nil
}

func (s *gormStore) AppendMessage(conversationID, role, content string) error {
	msg := ConversationMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return fmt.Errorf("transcript: append message: %w", err)
	}
	return nil
}

func (s *gormStore) Complete(conversationID string, endTime time.Time) error {
	res := s.db.Model(&Conversation{}).
		Where("id = ? AND status = ?", conversationID, StatusActive).
		Updates(map[string]any{"status": StatusCompleted, "end_time": endTime})
	if res.Error != nil {
		return fmt.Errorf("transcript: complete conversation: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Infow("conversation completed", "conversation", conversationID)
	}
	return nil
}

// ============================================================
// No-op store
// ============================================================

type nopStore struct{}

// NewNopStore returns a store that records nothing; used when no database
// is configured.
func NewNopStore() Store { return nopStore{} }

func (nopStore) FindOrCreateConversation(string, string, time.Time) (string, error) {
	return "", nil
}
func (nopStore) AppendMessage(string, string, string) error { return nil }
func (nopStore) Complete(string, time.Time) error           { return nil }
