package story

import (
	"strings"
)

// ItemState is the lifecycle state of an item the player has encountered.
type ItemState string

const (
	ItemAcquired  ItemState = "ACQUIRED"
	ItemBroken    ItemState = "BROKEN"
	ItemConsumed  ItemState = "CONSUMED"
	ItemGivenAway ItemState = "GIVEN_AWAY"
	ItemLost      ItemState = "LOST"
	ItemFound     ItemState = "FOUND"
)

// ParseItemState uppercases s and maps unknown values to ACQUIRED.
func ParseItemState(s string) ItemState {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	switch st := ItemState(normalized); st {
	case ItemAcquired, ItemBroken, ItemConsumed, ItemGivenAway, ItemLost, ItemFound:
		return st
	default:
		return ItemAcquired
	}
}

// Held reports whether the player still carries an item in this state.
func (s ItemState) Held() bool {
	return s == ItemAcquired || s == ItemFound
}

// NPCState marks notable changes to a character beyond its relationship.
type NPCState string

const (
	NPCMet              NPCState = "MET"
	NPCIdentityRevealed NPCState = "IDENTITY_REVEALED"
)

// ParseNPCState uppercases s and maps unknown values to MET.
func ParseNPCState(s string) NPCState {
	normalized := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), " ", "_")
	if NPCState(normalized) == NPCIdentityRevealed {
		return NPCIdentityRevealed
	}
	return NPCMet
}

// EntityChange records one transition of a tracked entity.
type EntityChange struct {
	Turn  int    `json:"turn"`
	Field string `json:"field"`
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
}

// Item is an object tracked across a game's history.
type Item struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	State       ItemState      `json:"state"`
	History     []EntityChange `json:"history,omitempty"`
}

// NPC is an in-story character tracked across a game's history.
type NPC struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Relationship Relationship   `json:"relationship"`
	State        NPCState       `json:"state"`
	History      []EntityChange `json:"history,omitempty"`
}

// ItemUpdate is an item mention reported by the parser.
type ItemUpdate struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
}

// NPCUpdate is a character mention reported by the parser.
type NPCUpdate struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Relationship is empty when the reply did not state one.
	Relationship Relationship `json:"relationship,omitempty"`
	State        string       `json:"state,omitempty"`
}

// ApplyEntities merges parser-reported items and characters into the game.
// Entities are matched by case-insensitive name; unknown names are created
// and known names are transitioned. Nothing is ever removed.
func (g *Game) ApplyEntities(items []ItemUpdate, npcs []NPCUpdate, turn int) {
	for _, u := range items {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			continue
		}
		state := ParseItemState(u.State)
		idx := findItem(g.Items, name)
		if idx < 0 {
			g.Items = append(g.Items, Item{
				Name:        name,
				Description: strings.TrimSpace(u.Description),
				State:       state,
				History:     []EntityChange{{Turn: turn, Field: "state", To: string(state)}},
			})
			continue
		}
		item := &g.Items[idx]
		if item.Description == "" {
			item.Description = strings.TrimSpace(u.Description)
		}
		// A bare re-mention without a state carries no transition.
		if u.State != "" && item.State != state {
			item.History = append(item.History, EntityChange{Turn: turn, Field: "state", From: string(item.State), To: string(state)})
			item.State = state
		}
	}

	for _, u := range npcs {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			continue
		}
		idx := findNPC(g.NPCs, name)
		if idx < 0 {
			rel := ParseRelationship(string(u.Relationship))
			state := ParseNPCState(u.State)
			g.NPCs = append(g.NPCs, NPC{
				Name:         name,
				Description:  strings.TrimSpace(u.Description),
				Relationship: rel,
				State:        state,
				History:      []EntityChange{{Turn: turn, Field: "relationship", To: string(rel)}},
			})
			continue
		}
		npc := &g.NPCs[idx]
		if npc.Description == "" {
			npc.Description = strings.TrimSpace(u.Description)
		}
		// As with items, a re-mention without a relationship changes nothing.
		if u.Relationship != "" {
			if rel := ParseRelationship(string(u.Relationship)); rel != npc.Relationship {
				npc.History = append(npc.History, EntityChange{Turn: turn, Field: "relationship", From: string(npc.Relationship), To: string(rel)})
				npc.Relationship = rel
			}
		}
		if u.State != "" {
			if state := ParseNPCState(u.State); state != npc.State {
				npc.History = append(npc.History, EntityChange{Turn: turn, Field: "state", From: string(npc.State), To: string(state)})
				npc.State = state
			}
		}
	}
}

// Inventory returns the names of items the player currently holds.
func (g *Game) Inventory() []string {
	names := make([]string, 0, len(g.Items))
	for _, item := range g.Items {
		if item.State.Held() {
			names = append(names, item.Name)
		}
	}
	return names
}

func findItem(items []Item, name string) int {
	for i := range items {
		if strings.EqualFold(items[i].Name, name) {
			return i
		}
	}
	return -1
}

func findNPC(npcs []NPC, name string) int {
	for i := range npcs {
		if strings.EqualFold(npcs[i].Name, name) {
			return i
		}
	}
	return -1
}
