package dispatch

import (
	"fmt"
	"strings"

	"github.com/wafleet/wafleet/pkg/config"
)

// CommandPrefix marks a message as a command for the local interpreter.
const CommandPrefix = "!"

// Interpreter answers a fixed command set in the tenant's voice. It is
// only consulted when the downstream webhook is unreachable, so the
// replies deliberately stay generic: they name the company and its public
// contact number and nothing else.
type Interpreter struct{}

// Reply returns the synthesized answer for a message and whether one
// should be sent. Messages without the command prefix get no reply.
func (Interpreter) Reply(tenant config.Tenant, text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, CommandPrefix) {
		return "", false
	}

	cmd := strings.ToLower(strings.Fields(trimmed)[0])
	switch cmd {
	case "!ayuda", "!help":
		return fmt.Sprintf(
			"Hola, soy el asistente de %s. Comandos disponibles: !ayuda, !info. "+
				"En este momento no puedo procesar consultas completas; intenta de nuevo en unos minutos.",
			tenant.Name,
		), true
	case "!info":
		return fmt.Sprintf(
			"%s — contacto: %s. Escribe !ayuda para ver los comandos disponibles.",
			tenant.Name, tenant.WhatsApp,
		), true
	default:
		return fmt.Sprintf(
			"Comando no reconocido. Escribe %sayuda para ver los comandos disponibles.",
			CommandPrefix,
		), true
	}
}
