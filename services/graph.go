package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"drugnet/models"
)

// ErrDrugNotFound: der angefragte Wirkstoff existiert nicht im Store.
var ErrDrugNotFound = errors.New("drug not found")

const (
	NodeTypeDrug      = "drug"
	NodeTypeCondition = "condition"

	LinkTypeIndication  = "indication"
	LinkTypeInteraction = "interaction"
)

// GraphNode ist ein Wirkstoff oder eine Indikation.
type GraphNode struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// GraphLink ist eine Kante vom Fokus-Wirkstoff zu einer Indikation oder einem Partner.
type GraphLink struct {
	Source     string          `json:"source"`
	Target     string          `json:"target"`
	Type       string          `json:"type"`
	Label      string          `json:"label,omitempty"`
	Severity   models.Severity `json:"severity,omitempty"`
	Mechanism  string          `json:"mechanism,omitempty"`
	Management string          `json:"management,omitempty"`
	UsageNote  string          `json:"usage_note,omitempty"`
}

// GraphSummary wird einmal pro Build berechnet.
type GraphSummary struct {
	TotalNodes        int                     `json:"total_nodes"`
	TotalLinks        int                     `json:"total_links"`
	ConditionCount    int                     `json:"condition_count"`
	InteractionCount  int                     `json:"interaction_count"`
	PartnerCount      int                     `json:"partner_count"`
	SeverityBreakdown map[models.Severity]int `json:"severity_breakdown"`
}

// Graph ist die Ein-Hop-Umgebung eines Wirkstoffs.
type Graph struct {
	Nodes   []GraphNode  `json:"nodes"`
	Links   []GraphLink  `json:"links"`
	Summary GraphSummary `json:"summary"`

	index     map[string]int
	adjacency map[string]map[string]struct{}
}

// FocusView ist ein Knoten samt direkten Nachbarn und den verbindenden Kanten.
type FocusView struct {
	Node      GraphNode   `json:"node"`
	Neighbors []GraphNode `json:"neighbors"`
	Links     []GraphLink `json:"links"`
}

// GraphBuilder liest den Store und baut Graphen. Er schreibt nie.
type GraphBuilder struct {
	DB *gorm.DB
}

// NewGraphBuilder erstellt einen GraphBuilder.
func NewGraphBuilder(db *gorm.DB) *GraphBuilder {
	return &GraphBuilder{DB: db}
}

// Build baut den Graphen um focusID. Wechselwirkungen werden in beiden
// Richtungen gesucht, der Fokus ist immer die Quelle der Kante.
func (b *GraphBuilder) Build(ctx context.Context, focusID string) (*Graph, error) {
	db := b.DB.WithContext(ctx)

	var focus models.Drug
	if err := db.Where("id = ?", focusID).Take(&focus).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDrugNotFound
		}
		return nil, fmt.Errorf("load drug %s: %w", focusID, err)
	}

	var indications []models.DrugCondition
	if err := db.Preload("Condition").Where("drug_id = ?", focus.ID).Order("id").Find(&indications).Error; err != nil {
		return nil, fmt.Errorf("load indications for %s: %w", focus.ID, err)
	}

	var interactions []models.DrugInteraction
	if err := db.Where("drug_id = ? OR interacting_drug_id = ?", focus.ID, focus.ID).Order("id").Find(&interactions).Error; err != nil {
		return nil, fmt.Errorf("load interactions for %s: %w", focus.ID, err)
	}

	partners, err := b.loadPartners(ctx, focus.ID, interactions)
	if err != nil {
		return nil, err
	}

	g := newGraph()
	g.addNode(GraphNode{ID: focus.ID, Label: focus.Name, Type: NodeTypeDrug, Description: focus.Description})

	for _, ind := range indications {
		if ind.Condition == nil {
			continue
		}
		g.addNode(GraphNode{ID: ind.Condition.ID, Label: ind.Condition.Name, Type: NodeTypeCondition, Description: ind.Condition.Description})
		g.addLink(GraphLink{
			Source:    focus.ID,
			Target:    ind.Condition.ID,
			Type:      LinkTypeIndication,
			Label:     ind.EvidenceLevel,
			UsageNote: ind.UsageNote,
		})
	}

	for _, in := range interactions {
		partnerID := in.Partner(focus.ID)
		if partnerID == focus.ID {
			continue
		}
		node := GraphNode{ID: partnerID, Label: partnerID, Type: NodeTypeDrug}
		if p, ok := partners[partnerID]; ok {
			node.Label, node.Description = p.Name, p.Description
		}
		g.addNode(node)

		sev := models.ParseSeverity(string(in.Severity))
		g.addLink(GraphLink{
			Source:     focus.ID,
			Target:     partnerID,
			Type:       LinkTypeInteraction,
			Label:      string(sev),
			Severity:   sev,
			Mechanism:  in.Mechanism,
			Management: in.Management,
		})
	}

	g.summarize(focus.ID)
	return g, nil
}

func (b *GraphBuilder) loadPartners(ctx context.Context, focusID string, interactions []models.DrugInteraction) (map[string]models.Drug, error) {
	ids := make([]string, 0, len(interactions))
	for _, in := range interactions {
		if p := in.Partner(focusID); p != focusID {
			ids = append(ids, p)
		}
	}
	out := make(map[string]models.Drug, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var drugs []models.Drug
	if err := b.DB.WithContext(ctx).Where("id IN ?", ids).Find(&drugs).Error; err != nil {
		return nil, fmt.Errorf("load interaction partners: %w", err)
	}
	for _, d := range drugs {
		out[d.ID] = d
	}
	return out, nil
}

func newGraph() *Graph {
	return &Graph{
		Nodes:     []GraphNode{},
		Links:     []GraphLink{},
		index:     map[string]int{},
		adjacency: map[string]map[string]struct{}{},
	}
}

func (g *Graph) addNode(n GraphNode) {
	if _, ok := g.index[n.ID]; ok {
		return
	}
	g.index[n.ID] = len(g.Nodes)
	g.Nodes = append(g.Nodes, n)
	g.adjacency[n.ID] = map[string]struct{}{}
}

func (g *Graph) addLink(l GraphLink) {
	g.Links = append(g.Links, l)
	g.adjacency[l.Source][l.Target] = struct{}{}
	g.adjacency[l.Target][l.Source] = struct{}{}
}

func (g *Graph) summarize(focusID string) {
	s := GraphSummary{
		TotalNodes:        len(g.Nodes),
		TotalLinks:        len(g.Links),
		SeverityBreakdown: make(map[models.Severity]int, len(models.Severities)),
	}
	for _, sev := range models.Severities {
		s.SeverityBreakdown[sev] = 0
	}
	for _, n := range g.Nodes {
		if n.Type == NodeTypeCondition {
			s.ConditionCount++
		}
	}
	partners := map[string]struct{}{}
	for _, l := range g.Links {
		if l.Type != LinkTypeInteraction {
			continue
		}
		s.InteractionCount++
		s.SeverityBreakdown[l.Severity]++
		if l.Target != focusID {
			partners[l.Target] = struct{}{}
		}
	}
	s.PartnerCount = len(partners)
	g.Summary = s
}

// Neighbors liefert die IDs aller direkten Nachbarn, sortiert.
func (g *Graph) Neighbors(id string) []string {
	adj, ok := g.adjacency[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(adj))
	for n := range adj {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Node liefert einen Knoten per ID.
func (g *Graph) Node(id string) (GraphNode, bool) {
	i, ok := g.index[id]
	if !ok {
		return GraphNode{}, false
	}
	return g.Nodes[i], true
}

// Focus hebt einen Knoten mit allem hervor, was direkt an ihm hängt.
func (g *Graph) Focus(id string) (*FocusView, bool) {
	node, ok := g.Node(id)
	if !ok {
		return nil, false
	}
	view := &FocusView{Node: node, Neighbors: []GraphNode{}, Links: []GraphLink{}}
	for _, nid := range g.Neighbors(id) {
		if n, ok := g.Node(nid); ok {
			view.Neighbors = append(view.Neighbors, n)
		}
	}
	for _, l := range g.Links {
		if l.Source == id || l.Target == id {
			view.Links = append(view.Links, l)
		}
	}
	return view, true
}
