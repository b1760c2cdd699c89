// Package admin implements the slash commands the configured admin user can
// send to the bot over LINE.
package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/line-relay/backend/pkg/logger"
)

const (
	maxSuggestions = 3
	maxDistance    = 2
)

type Result struct {
	OK      bool
	Message string
}

type Handler func(ctx context.Context, args []string) Result

type Command struct {
	Name        string
	Description string
	Usage       string
	Aliases     []string
	// Mutates marks commands that change the user named by the first argument.
	Mutates bool
	Handler Handler
}

type Service struct {
	deps     Deps
	commands map[string]*Command
	order    []string
	log      *zap.Logger
}

func NewService(deps Deps) *Service {
	s := &Service{
		deps:     deps,
		commands: make(map[string]*Command),
		log:      logger.Named("admin"),
	}
	s.registerDefaults()
	return s
}

// SetBuffer installs the buffer used by /buffer. Call it before serving.
func (s *Service) SetBuffer(b BufferInspector) {
	s.deps.Buffer = b
}

// Register adds cmd under its name and aliases. Later registrations replace
// earlier ones with the same key.
func (s *Service) Register(cmd Command) {
	c := cmd
	name := strings.ToLower(c.Name)
	if _, exists := s.commands[name]; !exists {
		s.order = append(s.order, name)
	}
	s.commands[name] = &c
	for _, alias := range c.Aliases {
		s.commands[strings.ToLower(alias)] = &c
	}
}

// IsCommand reports whether text is a slash command.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Parse splits "/name arg1 arg2" into a lower-cased name and its arguments.
func Parse(text string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// Target returns the user a mutating command acts on, or "" when text is not
// one.
func (s *Service) Target(text string) string {
	name, args := Parse(text)
	cmd, ok := s.commands[name]
	if !ok || !cmd.Mutates || len(args) == 0 {
		return ""
	}
	return args[0]
}

func (s *Service) Execute(ctx context.Context, text string) Result {
	name, args := Parse(text)
	if name == "" {
		name = "help"
	}

	cmd, ok := s.commands[name]
	if !ok {
		if suggestions := s.Suggest(name); len(suggestions) > 0 {
			return Result{Message: fmt.Sprintf("❌ 找不到指令 '%s'\n\n💡 您是否要找：%s", name, strings.Join(suggestions, "、"))}
		}
		return Result{Message: fmt.Sprintf("❌ 找不到指令 '%s'\n使用 /help 查看所有可用指令", name)}
	}

	s.log.Info("Executing admin command", zap.String("command", cmd.Name), zap.Strings("args", args))
	return cmd.Handler(ctx, args)
}

// Suggest returns up to three known commands close to name, by edit
// distance or a shared prefix.
func (s *Service) Suggest(name string) []string {
	type candidate struct {
		name     string
		distance int
	}

	best := make(map[string]int)
	for key, cmd := range s.commands {
		d := levenshtein.ComputeDistance(name, key)
		if d > maxDistance && !strings.HasPrefix(key, name) && !strings.HasPrefix(name, key) {
			continue
		}
		if prev, ok := best[cmd.Name]; !ok || d < prev {
			best[cmd.Name] = d
		}
	}

	candidates := make([]candidate, 0, len(best))
	for n, d := range best {
		candidates = append(candidates, candidate{n, d})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].name < candidates[j].name
	})

	var out []string
	for i, c := range candidates {
		if i == maxSuggestions {
			break
		}
		out = append(out, "/"+c.name)
	}
	return out
}

func (s *Service) help(_ context.Context, args []string) Result {
	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		cmd, ok := s.commands[name]
		if !ok {
			return Result{Message: fmt.Sprintf("❌ 找不到指令 '%s'", name)}
		}
		var b strings.Builder
		fmt.Fprintf(&b, "📖 指令說明\n\n/%s - %s\n用法：%s", cmd.Name, cmd.Description, cmd.Usage)
		if len(cmd.Aliases) > 0 {
			aliases := make([]string, len(cmd.Aliases))
			for i, a := range cmd.Aliases {
				aliases[i] = "/" + a
			}
			fmt.Fprintf(&b, "\n別名：%s", strings.Join(aliases, "、"))
		}
		return Result{OK: true, Message: b.String()}
	}

	var b strings.Builder
	b.WriteString("🔧 管理員指令列表\n\n")
	for _, name := range s.order {
		cmd := s.commands[name]
		fmt.Fprintf(&b, "/%s - %s\n", cmd.Name, cmd.Description)
	}
	b.WriteString("\n💡 使用 /help <指令名稱> 查看詳細說明")
	return Result{OK: true, Message: b.String()}
}
