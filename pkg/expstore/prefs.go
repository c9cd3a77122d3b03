package expstore

import "time"

// Keys used by the chat UI.
const (
	KeyChatMessages       = "chat_messages"
	KeyVocabularyLists    = "vocabulary_lists"
	KeyAPIKey             = "gemini_api_key"
	KeyLastUsedVocabulary = "last_used_vocabulary"
	KeySelectedLanguage   = "selected_language"
)

const (
	ChatMessagesTTL = 24 * time.Hour
	PreferenceTTL   = 30 * 24 * time.Hour
)

// ChatMessage is one turn of a conversation transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// VocabularyList is a named set of words a conversation may be restricted to.
type VocabularyList struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Language string   `json:"language,omitempty"`
	Words    []string `json:"words"`
}

// Preferences binds the fixed keys and TTLs of the chat UI to a Store.
type Preferences struct {
	store *Store
}

func NewPreferences(store *Store) *Preferences {
	return &Preferences{store: store}
}

func (p *Preferences) SaveChatMessages(messages []ChatMessage) error {
	return p.store.Set(KeyChatMessages, messages, ChatMessagesTTL)
}

// ChatMessages returns the saved transcript, or an empty slice.
func (p *Preferences) ChatMessages() ([]ChatMessage, error) {
	messages := []ChatMessage{}
	if _, err := p.store.Get(KeyChatMessages, &messages); err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []ChatMessage{}
	}
	return messages, nil
}

func (p *Preferences) SaveVocabularyLists(lists []VocabularyList) error {
	return p.store.Set(KeyVocabularyLists, lists, PreferenceTTL)
}

// VocabularyLists returns the cached lists, or an empty slice.
func (p *Preferences) VocabularyLists() ([]VocabularyList, error) {
	lists := []VocabularyList{}
	if _, err := p.store.Get(KeyVocabularyLists, &lists); err != nil {
		return nil, err
	}
	if lists == nil {
		lists = []VocabularyList{}
	}
	return lists, nil
}

// SaveAPIKey stores the key for ttl, or PreferenceTTL when ttl is zero.
func (p *Preferences) SaveAPIKey(apiKey string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = PreferenceTTL
	}
	return p.store.Set(KeyAPIKey, apiKey, ttl)
}

func (p *Preferences) APIKey() (string, bool, error) {
	return p.getString(KeyAPIKey)
}

func (p *Preferences) SaveLastUsedVocabulary(vocabularyID string) error {
	return p.store.Set(KeyLastUsedVocabulary, vocabularyID, PreferenceTTL)
}

func (p *Preferences) LastUsedVocabulary() (string, bool, error) {
	return p.getString(KeyLastUsedVocabulary)
}

func (p *Preferences) SaveSelectedLanguage(language string) error {
	return p.store.Set(KeySelectedLanguage, language, PreferenceTTL)
}

func (p *Preferences) SelectedLanguage() (string, bool, error) {
	return p.getString(KeySelectedLanguage)
}

// ClearAll removes the transcript, vocabulary lists, API key and last used
// vocabulary. The selected language survives.
func (p *Preferences) ClearAll() error {
	for _, key := range []string{
		KeyChatMessages,
		KeyVocabularyLists,
		KeyAPIKey,
		KeyLastUsedVocabulary,
	} {
		if err := p.store.Remove(key); err != nil {
			return err
		}
	}
	return nil
}

func (p *Preferences) getString(key string) (string, bool, error) {
	var s string
	ok, err := p.store.Get(key, &s)
	return s, ok, err
}

// Session is the conversation state the UI threads through rendering and
// request building.
type Session struct {
	Language     string `json:"language"`
	VocabularyID string `json:"vocabulary_id"`
}

// LoadSession restores the last selected language and vocabulary list. Missing
// preferences leave the corresponding field empty.
func (p *Preferences) LoadSession() (Session, error) {
	var s Session
	var err error
	if s.Language, _, err = p.SelectedLanguage(); err != nil {
		return Session{}, err
	}
	if s.VocabularyID, _, err = p.LastUsedVocabulary(); err != nil {
		return Session{}, err
	}
	return s, nil
}

// SaveSession persists the non-empty fields of s.
func (p *Preferences) SaveSession(s Session) error {
	if s.Language != "" {
		if err := p.SaveSelectedLanguage(s.Language); err != nil {
			return err
		}
	}
	if s.VocabularyID != "" {
		if err := p.SaveLastUsedVocabulary(s.VocabularyID); err != nil {
			return err
		}
	}
	return nil
}
