package command

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Catalog holds the user-facing bot texts. Templates accept {name}, {bot} and {prefix}.
type Catalog struct {
	BotName      string   `yaml:"bot_name"`
	Welcome      string   `yaml:"welcome"`
	OnlineNotice string   `yaml:"online_notice"`
	Unknown      string   `yaml:"unknown"`
	Failed       string   `yaml:"failed"`
	Quotes       []string `yaml:"quotes"`
	Waifus       []string `yaml:"waifus"`
}

// DefaultCatalog returns the built-in texts.
func DefaultCatalog() Catalog {
	return Catalog{
		BotName: "CRAZY MINI XMD",
		Welcome: "👋 Bienvenue {name} !\n\n" +
			"🤖 *{bot}* est maintenant connecté.\n\n" +
			"💡 Tapez *{prefix}menu* pour voir les commandes disponibles.\n\n" +
			"✨ Profitez de toutes les fonctionnalités !",
		OnlineNotice: "✅ *{bot}* est maintenant connecté !\n\nTapez *{prefix}menu* pour voir les commandes disponibles.",
		Unknown:      "❌ Commande inconnue. Tapez {prefix}menu pour la liste",
		Failed:       "❌ Erreur lors de l'exécution de la commande",
		Quotes: []string{
			"La vie est belle !",
			"Ne rêve pas ta vie, vis tes rêves !",
			"Le succès est la somme de petits efforts répétés.",
			"Rien n'est impossible, l'impossible prend juste un peu plus de temps.",
		},
		Waifus: []string{
			"https://i.imgur.com/1.png",
			"https://i.imgur.com/2.png",
			"https://i.imgur.com/3.png",
		},
	}
}

// merge fills every empty field of c from def.
func (c Catalog) merge(def Catalog) Catalog {
	if strings.TrimSpace(c.BotName) == "" {
		c.BotName = def.BotName
	}
	if strings.TrimSpace(c.Welcome) == "" {
		c.Welcome = def.Welcome
	}
	if strings.TrimSpace(c.OnlineNotice) == "" {
		c.OnlineNotice = def.OnlineNotice
	}
	if strings.TrimSpace(c.Unknown) == "" {
		c.Unknown = def.Unknown
	}
	if strings.TrimSpace(c.Failed) == "" {
		c.Failed = def.Failed
	}
	if len(c.Quotes) == 0 {
		c.Quotes = def.Quotes
	}
	if len(c.Waifus) == 0 {
		c.Waifus = def.Waifus
	}
	return c
}

// LoadCatalog reads a YAML catalog. Missing keys keep their defaults.
func LoadCatalog(path string) (Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}

	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Catalog{}, fmt.Errorf("command: parse catalog %s: %w", path, err)
	}
	return c.merge(DefaultCatalog()), nil
}

// CatalogStore publishes the current Catalog to concurrent readers.
type CatalogStore struct {
	cur  atomic.Pointer[Catalog]
	path string
}

// NewCatalogStore loads path when it is set. A missing file is not an error: the
// defaults are used until the file appears.
func NewCatalogStore(path string) (*CatalogStore, error) {
	s := &CatalogStore{path: strings.TrimSpace(path)}
	def := DefaultCatalog()
	s.cur.Store(&def)

	if s.path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// Path returns the watched file, or "" for a static catalog.
func (s *CatalogStore) Path() string { return s.path }

// Get returns the current catalog.
func (s *CatalogStore) Get() Catalog { return *s.cur.Load() }

// Set replaces the current catalog.
func (s *CatalogStore) Set(c Catalog) {
	c = c.merge(DefaultCatalog())
	s.cur.Store(&c)
}

// Reload re-reads the file. The previous catalog stays in place on error.
func (s *CatalogStore) Reload() error {
	if s.path == "" {
		return nil
	}
	c, err := LoadCatalog(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(&c)
	return nil
}

func render(tmpl string, c Catalog, prefix, name string) string {
	return strings.NewReplacer(
		"{name}", name,
		"{bot}", c.BotName,
		"{prefix}", prefix,
	).Replace(tmpl)
}
