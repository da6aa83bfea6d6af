package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/BetterCallFirewall/Extracton/internal/anchor"
	"github.com/BetterCallFirewall/Extracton/internal/models"
	"github.com/BetterCallFirewall/Extracton/internal/utils"
)

// Таблицы - второй по частоте носитель структурированных записей после
// повторяющихся блоков: заголовок th именует поле, его колонка несёт
// значения, строка tr - одну сущность.

// maxTablesPerDocument - сколько таблиц просматривается
const maxTablesPerDocument = 10

// maxRowsPerTable - сколько строк данных берётся из одной таблицы
const maxRowsPerTable = 200

// tableColumnDetector находит колонку, чей th-заголовок совпадает
// с именем поля, и предлагает td ячейки этой колонки
type tableColumnDetector struct {
	field string
}

// NewTableColumnDetector создает детектор колонок таблиц
func NewTableColumnDetector(field string) Detector {
	return &tableColumnDetector{field: field}
}

func (d *tableColumnDetector) Detect(doc *goquery.Document) []Candidate {
	var out []Candidate
	fieldNorm := utils.NormalizeForComparison(strings.ReplaceAll(d.field, "_", " "))

	doc.Find("table").EachWithBreak(func(tableIdx int, table *goquery.Selection) bool {
		if tableIdx >= maxTablesPerDocument {
			return false
		}

		column := headerColumn(table, fieldNorm)
		if column < 0 {
			return true
		}

		table.Find("tr").EachWithBreak(func(rowIdx int, row *goquery.Selection) bool {
			if rowIdx > maxRowsPerTable {
				return false
			}

			// Строка заголовка значений не несёт
			if row.Find("th").Length() > 0 {
				return true
			}

			cell := row.Find("td").Eq(column)
			if cell.Length() == 0 {
				return true
			}

			out = append(out, Candidate{
				Selection:  cell,
				Selector:   "table td",
				Confidence: rank(cell, 0.75, 1, 500),
			})
			return true
		})
		return true
	})

	sortCandidates(out)
	return out
}

// headerColumn возвращает индекс колонки с подходящим th или -1
func headerColumn(table *goquery.Selection, fieldNorm string) int {
	column := -1

	table.Find("tr").First().Find("th").EachWithBreak(func(i int, th *goquery.Selection) bool {
		header := utils.NormalizeForComparison(th.Text())
		if header == "" {
			return true
		}

		if header == fieldNorm || strings.Contains(header, fieldNorm) || strings.Contains(fieldNorm, header) {
			column = i
			return false
		}
		return true
	})

	return column
}

// ═══════════════════════════════════════════════════════════════════════════════
// Pattern discovery по таблицам
// ═══════════════════════════════════════════════════════════════════════════════

// discoverTableColumns - стратегия (d): каждая колонка таблицы с th-заголовком
// и достаточным числом заполненных ячеек - кандидат в поле
func (t *Tracker) discoverTableColumns(doc *goquery.Document, idx *anchor.Index, minInstances int) []models.PatternCandidate {
	var out []models.PatternCandidate

	doc.Find("table").EachWithBreak(func(tableIdx int, table *goquery.Selection) bool {
		if tableIdx >= maxTablesPerDocument {
			return false
		}

		headers := tableHeaders(table)
		if len(headers) == 0 {
			return true
		}

		columns := collectColumns(table, len(headers), idx)

		for col, header := range headers {
			slug := fieldSlug(header)
			if slug == "" {
				continue
			}

			cells := columns[col]
			if len(cells.anchors) < minInstances || len(cells.anchors) < minSampleAnchors {
				continue
			}

			out = append(out, models.PatternCandidate{
				Pattern:        "table-column:" + slug,
				Instances:      len(cells.anchors),
				SampleAnchors:  sampleAnchors(cells.anchors),
				SuggestedField: slug,
				SuggestedType:  guessColumnType(cells.samples),
				Confidence:     patternConfidence(0.10, len(cells.anchors), lengthConsistency(cells.lengths)),
			})
		}
		return true
	})

	return out
}

// tableHeaders возвращает тексты th первой строки
func tableHeaders(table *goquery.Selection) []string {
	var headers []string
	table.Find("tr").First().Find("th").Each(func(_ int, th *goquery.Selection) {
		headers = append(headers, utils.CollapseWhitespace(th.Text()))
	})
	return headers
}

// columnCells аккумулирует ячейки одной колонки
type columnCells struct {
	anchors []string
	lengths []int
	samples []string
}

// collectColumns собирает заякоренные ячейки по колонкам
func collectColumns(table *goquery.Selection, columnCount int, idx *anchor.Index) []columnCells {
	columns := make([]columnCells, columnCount)

	table.Find("tr").EachWithBreak(func(rowIdx int, row *goquery.Selection) bool {
		if rowIdx > maxRowsPerTable {
			return false
		}
		if row.Find("th").Length() > 0 {
			return true
		}

		row.Find("td").Each(func(col int, cell *goquery.Selection) {
			if col >= columnCount {
				return
			}

			text := utils.CollapseWhitespace(cell.Text())
			if text == "" {
				return
			}

			a, ok := idx.ByElement(cell)
			if !ok {
				return
			}

			columns[col].anchors = append(columns[col].anchors, a.ID)
			columns[col].lengths = append(columns[col].lengths, len(text))
			if len(columns[col].samples) < 5 {
				columns[col].samples = append(columns[col].samples, text)
			}
		})
		return true
	})

	return columns
}

// guessColumnType выводит тип поля по образцам значений колонки
func guessColumnType(samples []string) models.FieldType {
	if len(samples) == 0 {
		return models.TypeString
	}

	emails, phones, numbers, dates := 0, 0, 0, 0
	for _, sample := range samples {
		switch {
		case emailSweepPattern.MatchString(sample):
			emails++
		case dateSweepPattern.MatchString(sample):
			dates++
		case numberPattern.MatchString(strings.TrimSpace(sample)):
			numbers++
		case phoneSweepPattern.MatchString(sample):
			phones++
		}
	}

	majority := (len(samples) + 1) / 2
	switch {
	case emails >= majority:
		return models.TypeEmail
	case dates >= majority:
		return models.TypeDate
	case numbers >= majority:
		return models.TypeNumber
	case phones >= majority:
		return models.TypePhone
	default:
		return models.TypeString
	}
}
