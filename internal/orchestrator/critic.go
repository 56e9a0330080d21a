package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/mpataki/studio/internal/logging"
	studiolua "github.com/mpataki/studio/internal/lua"
	"github.com/mpataki/studio/internal/models"
)

// unresolvedRisks lists the high-severity categories whose mitigating
// (recommended) option was not chosen. A category without a recommended
// option has nothing to mitigate with and never counts.
func unresolvedRisks(deck *models.Deck, sel models.Selection) []studiolua.Risk {
	var risks []studiolua.Risk
	for i := range deck.Categories {
		c := &deck.Categories[i]
		if !strings.EqualFold(c.Severity, models.SeverityHigh) {
			continue
		}
		rec, ok := c.Recommended()
		if !ok {
			continue
		}
		chosen := sel[c.ID]
		resolved := false
		for _, l := range chosen {
			if l == rec.Label {
				resolved = true
				break
			}
		}
		if resolved {
			continue
		}
		risks = append(risks, studiolua.Risk{
			ID:          c.ID,
			Question:    c.Question,
			Severity:    c.Severity,
			References:  append([]string(nil), c.References...),
			Chosen:      append([]string(nil), chosen...),
			Recommended: rec.Label,
		})
	}
	return risks
}

// evaluateCritic decides whether the critic's answered deck sends the
// session back to an earlier stage. When it does, stages target..critic are
// discarded and the session is left Revising at target. Caller holds st.mu.
func (e *Engine) evaluateCritic(ctx context.Context, st *sessionState, squad *models.Squad, critic int, deck *models.Deck, sel models.Selection, log *logging.Logger) (int, bool, error) {
	risks := unresolvedRisks(deck, sel)
	if len(risks) == 0 {
		return 0, false, nil
	}

	target, ok := e.reviseTarget(ctx, squad, critic, risks, log)
	sess := st.sess
	if !ok || sess.Revisions >= e.opts.MaxRevisions {
		if ok {
			log.Warn("revision limit reached, accepting risks", "revisions", sess.Revisions, "risks", len(risks))
		} else {
			log.Info("no stage to revise, accepting risks", "risks", len(risks))
		}
		return 0, false, e.logRisks(st, critic, risks)
	}

	for _, rec := range sess.Log {
		if !rec.Discarded && rec.StageIndex >= target && rec.StageIndex <= critic {
			rec.Discarded = true
		}
	}
	st.ctx.Retract(target, critic)
	if _, err := st.ctx.Write(models.SlotRevision, target, revisionNote(risks)); err != nil {
		return 0, false, err
	}
	sess.Revisions++
	sess.Status = models.SessionStatusRevising
	log.Info("critic loop-back", "target", target, "revisions", sess.Revisions, "risks", len(risks))
	return target, true, nil
}

// reviseTarget asks the squad's policy first and falls back to the earliest
// stage any risk references.
func (e *Engine) reviseTarget(ctx context.Context, squad *models.Squad, critic int, risks []studiolua.Risk, log *logging.Logger) (int, bool) {
	if policy, ok := e.policies[squad.ID]; ok {
		stages := make([]studiolua.Stage, 0, critic+1)
		for i := 0; i <= critic; i++ {
			desc, err := e.registry.Stage(squad, i)
			if err != nil {
				break
			}
			stages = append(stages, studiolua.Stage{Index: i, ID: desc.ID, Slot: desc.Slot})
		}
		idx, ok, err := policy.ReviseTarget(ctx, risks, stages)
		switch {
		case err != nil:
			log.Warn("revision policy failed, using default", "policy", policy.Path(), "error", err)
		case !ok:
			return 0, false
		case idx < 0 || idx >= critic:
			log.Warn("revision policy returned out-of-range stage, using default", "policy", policy.Path(), "index", idx)
		default:
			return idx, true
		}
	}

	target := -1
	for _, r := range risks {
		for _, ref := range r.References {
			idx, ok := e.registry.StageForSlot(squad, ref)
			if !ok || idx >= critic {
				continue
			}
			if target < 0 || idx < target {
				target = idx
			}
		}
	}
	return target, target >= 0
}

// logRisks appends accepted risks to the risk_log slot, owned by the critic.
func (e *Engine) logRisks(st *sessionState, critic int, risks []studiolua.Risk) error {
	var entries []any
	if prev, ok := st.ctx.Read(models.SlotRiskLog); ok {
		if list, ok := prev.([]any); ok {
			entries = list
		}
	}
	for _, r := range risks {
		entries = append(entries, map[string]any{
			"id":          r.ID,
			"question":    r.Question,
			"severity":    r.Severity,
			"chosen":      r.Chosen,
			"recommended": r.Recommended,
			"revisions":   st.sess.Revisions,
		})
	}
	_, err := st.ctx.Write(models.SlotRiskLog, critic, entries)
	return err
}

func revisionNote(risks []studiolua.Risk) string {
	var b strings.Builder
	b.WriteString("A reviewer flagged unresolved risks in earlier work. Address them in this revision:\n")
	for _, r := range risks {
		fmt.Fprintf(&b, "- %s (%s): %q was chosen, %q was recommended", r.Question, r.Severity, strings.Join(r.Chosen, ", "), r.Recommended)
		if len(r.References) > 0 {
			fmt.Fprintf(&b, " [affects %s]", strings.Join(r.References, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
