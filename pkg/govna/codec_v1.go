// Этот файл содержит кодек текстового протокола NanoVNA V1.
// Команды — ASCII-строки с завершающим переводом строки, ответы — строки
// десятичных чисел; конец свипа обозначается приглашением "ch>".
package govna

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// v1Prompt — приглашение командной оболочки устройства. Устройство не
// фреймирует ответы явно: приглашение после последней строки данных служит
// маркером конца свипа.
const v1Prompt = "ch>"

// V1Codec кодирует команды и разбирает строки ответов текстового протокола.
// Кодек не хранит состояния, его можно разделять между горутинами.
type V1Codec struct{}

// EncodeSweepCommand формирует команду установки частотной сетки.
func (V1Codec) EncodeSweepCommand(start, stop uint64, points int) []byte {
	return []byte(fmt.Sprintf("sweep %d %d %d\n", start, stop, points))
}

// EncodeScanCommand формирует команду запроса данных сканирования.
func (V1Codec) EncodeScanCommand() []byte {
	return []byte("data\n")
}

// EncodeVersionCommand формирует идентификационный запрос.
func (V1Codec) EncodeVersionCommand() []byte {
	return []byte("version\n")
}

// DecodeResponseLine разбирает одну строку ответа устройства.
// Возвращает точку сканирования, либо done=true для маркера конца свипа,
// либо ProtocolError(MalformedLine), если строка не разбирается.
// Числа принимаются и в фиксированной, и в экспоненциальной записи.
func (V1Codec) DecodeResponseLine(line string) (FrequencyPoint, bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return FrequencyPoint{}, false, &ProtocolError{
			Generation: "v1",
			Reason:     ReasonMalformedLine,
			Detail:     "пустая строка вместо данных",
		}
	}
	// Эхо команды и приглашение завершают свип.
	if strings.HasPrefix(trimmed, v1Prompt) || trimmed == "data" {
		return FrequencyPoint{}, true, nil
	}

	parts := strings.Fields(trimmed)
	if len(parts) < 5 {
		return FrequencyPoint{}, false, &ProtocolError{
			Generation: "v1",
			Reason:     ReasonMalformedLine,
			Detail:     fmt.Sprintf("строка содержит %d значений, ожидалось 5: %q", len(parts), trimmed),
		}
	}

	fields := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return FrequencyPoint{}, false, &ProtocolError{
				Generation: "v1",
				Reason:     ReasonMalformedLine,
				Detail:     fmt.Sprintf("не удалось разобрать поле %d: %q", i+1, parts[i]),
			}
		}
		fields[i] = v
	}

	// float64 представляет целые до 2^53 точно, так что частоты до десятков
	// ГГц не теряют точности даже в экспоненциальной записи.
	if fields[0] < 0 || fields[0] > math.MaxInt64 {
		return FrequencyPoint{}, false, &ProtocolError{
			Generation: "v1",
			Reason:     ReasonMalformedLine,
			Detail:     fmt.Sprintf("частота вне допустимого диапазона: %q", parts[0]),
		}
	}

	return FrequencyPoint{
		Frequency: uint64(math.Round(fields[0])),
		S11:       complex(fields[1], fields[2]),
		S21:       complex(fields[3], fields[4]),
	}, false, nil
}
