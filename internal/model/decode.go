package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBase = "https://schemas.relaysync.dev/"

var schemaSources = map[string]string{
	"chat.json": `{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"lastMessage": {"type": "string"},
			"lastSenderId": {"type": "string"},
			"lastMessageAt": {"type": "integer", "minimum": 0},
			"createdBy": {"type": "string"}
		}
	}`,
	"chatter.json": `{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"joinedAt": {"type": "integer", "minimum": 0}
		}
	}`,
	"contact.json": `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"userId": {"type": "string"},
			"name": {"type": "string", "minLength": 1},
			"email": {"type": "string"},
			"phone": {"type": "string"}
		}
	}`,
	"message.json": `{
		"type": "object",
		"required": ["senderId", "sentAt"],
		"properties": {
			"senderId": {"type": "string", "minLength": 1},
			"text": {"type": "string"},
			"sentAt": {"type": "integer", "minimum": 0},
			"audioKey": {"type": "string"},
			"transcriptionId": {"type": "string"}
		}
	}`,
	"profile.json": `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"status": {"type": "string"}
		}
	}`,
	"transcription.json": `{
		"type": "object",
		"required": ["messageId", "status"],
		"properties": {
			"chatId": {"type": "string"},
			"messageId": {"type": "string", "minLength": 1},
			"status": {"enum": ["pending", "running", "done", "failed"]},
			"text": {"type": "string"},
			"error": {"type": "string"},
			"updatedAt": {"type": "integer", "minimum": 0}
		}
	}`,
}

var compiledSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	for name, source := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBase+name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(schemaSources))
	for name := range schemaSources {
		schema, err := compiler.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
})

// validate checks payload against the named schema and decodes it into out.
func validate(name string, payload json.RawMessage, out any) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEntity, name, err)
	}
	if err := schemas[name].Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEntity, name, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEntity, name, err)
	}
	return nil
}

func isTrue(payload json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(payload), []byte("true"))
}

// DecodeChat decodes a chat record or a membership link. A link may carry the chat
// summary or just true.
func DecodeChat(path, key string, payload json.RawMessage) (Chat, error) {
	if err := ValidateID("chat", key); err != nil {
		return Chat{}, err
	}
	chat := Chat{}
	if !isTrue(payload) {
		if err := validate("chat.json", payload, &chat); err != nil {
			return Chat{}, err
		}
	}
	chat.ID = key
	return chat, nil
}

// DecodeChatter decodes a roster entry under chatters/{chatId}. A bare true marks
// membership without details.
func DecodeChatter(path, key string, payload json.RawMessage) (Chatter, error) {
	if err := ValidateID("user", key); err != nil {
		return Chatter{}, err
	}
	chatter := Chatter{}
	if !isTrue(payload) {
		if err := validate("chatter.json", payload, &chatter); err != nil {
			return Chatter{}, err
		}
	}
	chatter.ID = key
	chatter.ChatID = lastSegment(path)
	return chatter, nil
}

func DecodeContact(path, key string, payload json.RawMessage) (Contact, error) {
	if err := ValidateID("contact", key); err != nil {
		return Contact{}, err
	}
	var contact Contact
	if err := validate("contact.json", payload, &contact); err != nil {
		return Contact{}, err
	}
	contact.ID = key
	return contact, nil
}

// DecodeMessage decodes a message under messages/{chatId}.
func DecodeMessage(path, key string, payload json.RawMessage) (Message, error) {
	if err := ValidateID("message", key); err != nil {
		return Message{}, err
	}
	var message Message
	if err := validate("message.json", payload, &message); err != nil {
		return Message{}, err
	}
	message.ID = key
	message.ChatID = lastSegment(path)
	return message, nil
}

func DecodeProfile(path, key string, payload json.RawMessage) (Profile, error) {
	if err := ValidateID("user", key); err != nil {
		return Profile{}, err
	}
	var profile Profile
	if err := validate("profile.json", payload, &profile); err != nil {
		return Profile{}, err
	}
	profile.ID = key
	return profile, nil
}

func DecodeTranscriptionJob(path, key string, payload json.RawMessage) (TranscriptionJob, error) {
	if err := ValidateID("transcription", key); err != nil {
		return TranscriptionJob{}, err
	}
	var job TranscriptionJob
	if err := validate("transcription.json", payload, &job); err != nil {
		return TranscriptionJob{}, err
	}
	job.ID = key
	return job, nil
}
