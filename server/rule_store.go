package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/perimeterlab/attest/pkg/policy"
)

// RuleStore persists policy rules. Rules are validated before they are
// written; evaluation only ever sees rules that passed validation.
type RuleStore struct {
	db *gorm.DB
}

func NewRuleStore(db *gorm.DB) *RuleStore {
	return &RuleStore{db: db}
}

// All returns every stored rule, ready for evaluation.
func (s *RuleStore) All() ([]policy.Rule, error) {
	var rows []PolicyRuleRow
	if err := s.db.Order("priority desc").Find(&rows).Error; err != nil {
		return nil, err
	}

	rules := make([]policy.Rule, 0, len(rows))
	for _, row := range rows {
		var condition policy.Condition
		if err := json.Unmarshal([]byte(row.ConditionJSON), &condition); err != nil {
			return nil, fmt.Errorf("rule %s has corrupt condition: %w", row.Name, err)
		}
		rules = append(rules, policy.Rule{
			ID:        row.RuleID,
			Name:      row.Name,
			Priority:  row.Priority,
			Mode:      policy.Mode(row.Mode),
			Action:    policy.Action(row.Action),
			Condition: condition,
		})
	}
	return rules, nil
}

// Upsert validates and writes one rule, keyed by name.
func (s *RuleStore) Upsert(rule policy.Rule) (policy.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := rule.Validate(); err != nil {
		return policy.Rule{}, err
	}

	conditionJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return policy.Rule{}, err
	}
	row := PolicyRuleRow{
		RuleID:        rule.ID,
		Name:          rule.Name,
		Priority:      rule.Priority,
		Mode:          string(rule.Mode),
		Action:        string(rule.Action),
		ConditionJSON: string(conditionJSON),
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"priority", "mode", "action", "condition_json"}),
	}).Create(&row).Error
	if err != nil {
		return policy.Rule{}, err
	}
	return rule, nil
}

// Delete removes a rule by its stable ID.
func (s *RuleStore) Delete(ruleID string) error {
	result := s.db.Where("rule_id = ?", ruleID).Delete(&PolicyRuleRow{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SeedFromFile loads a YAML rule file into the store at startup. A missing
// file is not an error; a malformed one is.
func (s *RuleStore) SeedFromFile(path string, logger zerolog.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info().Str("path", path).Msg("no rule file, starting with stored rules only")
		return nil
	}

	rules, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if _, err := s.Upsert(rule); err != nil {
			return fmt.Errorf("seed rule %q: %w", rule.Name, err)
		}
	}
	logger.Info().Int("rules", len(rules)).Str("path", path).Msg("seeded policy rules")
	return nil
}
